package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quillvec/quillvec/internal/protocol"
	"github.com/quillvec/quillvec/pkg/core/distance"
	"github.com/quillvec/quillvec/pkg/core/hnsw"
	"github.com/quillvec/quillvec/pkg/core/types"
	"github.com/quillvec/quillvec/pkg/metrics"
)

// execute runs a parsed command against the database. log controls whether
// write commands are appended to the AOF; replay passes false.
func (s *Server) execute(cmd *protocol.Command, log bool) (string, error) {
	switch cmd.Name {
	case "PING":
		return "PONG", nil

	case "SET":
		if len(cmd.Args) != 2 {
			return "", fmt.Errorf("SET requires: key value")
		}
		s.applyKVSet(string(cmd.Args[0]), cmd.Args[1], log)
		return "OK", nil

	case "GET":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("GET requires: key")
		}
		value, ok := s.db.GetKVStore().Get(string(cmd.Args[0]))
		if !ok {
			return "", fmt.Errorf("key not found")
		}
		return string(value), nil

	case "DEL":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("DEL requires: key")
		}
		s.applyKVDelete(string(cmd.Args[0]), log)
		return "OK", nil

	case "VCREATE":
		return s.execVCreate(cmd.Args, log)

	case "VDROP":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("VDROP requires: index")
		}
		if err := s.applyDropIndex(string(cmd.Args[0]), log); err != nil {
			return "", err
		}
		return "OK", nil

	case "VADD":
		return s.execVAdd(cmd.Args, log)

	case "VREM":
		if len(cmd.Args) != 2 {
			return "", fmt.Errorf("VREM requires: index id")
		}
		if err := s.applyRemove(string(cmd.Args[0]), string(cmd.Args[1]), log); err != nil {
			return "", err
		}
		return "OK", nil

	case "VSEARCH":
		return s.execVSearch(cmd.Args)

	case "VSTATS":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("VSTATS requires: index")
		}
		stats, err := s.db.GetIndexStats(string(cmd.Args[0]))
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(stats)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "VLIST":
		infos, err := s.db.GetVectorIndexInfo()
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(infos)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "SAVE":
		if err := s.saveSnapshot(); err != nil {
			return "", err
		}
		return "OK", nil

	default:
		return "", fmt.Errorf("unknown command '%s'", cmd.Name)
	}
}

// replayCommand parses and executes one AOF entry without re-logging it.
func (s *Server) replayCommand(line string) error {
	cmd, err := protocol.Parse(line)
	if err != nil {
		return err
	}
	_, err = s.execute(cmd, false)
	return err
}

// execVCreate handles:
//
//	VCREATE <index> [METRIC m] [PRECISION p] [M n] [M_MAX n]
//	        [EF_CONSTRUCTION n] [EF_SEARCH n] [MAX_LEVEL n] [MAINT '<json>']
func (s *Server) execVCreate(args [][]byte, log bool) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("VCREATE requires: index [options]")
	}
	name := string(args[0])

	var opts hnsw.Options
	var maint *hnsw.MaintenanceConfig

	rest := args[1:]
	if len(rest)%2 != 0 {
		return "", fmt.Errorf("VCREATE options must come in key/value pairs")
	}
	for i := 0; i < len(rest); i += 2 {
		key := strings.ToUpper(string(rest[i]))
		value := string(rest[i+1])

		var err error
		switch key {
		case "METRIC":
			opts.Metric, err = parseMetric(value)
		case "PRECISION":
			opts.Precision, err = parsePrecision(value)
		case "M":
			opts.M, err = strconv.Atoi(value)
		case "M_MAX":
			opts.MMax, err = strconv.Atoi(value)
		case "EF_CONSTRUCTION":
			opts.EfConstruction, err = strconv.Atoi(value)
		case "EF_SEARCH":
			opts.EfSearch, err = strconv.Atoi(value)
		case "MAX_LEVEL":
			opts.MaxLevel, err = strconv.Atoi(value)
		case "MAINT":
			var cfg hnsw.MaintenanceConfig
			if err = json.Unmarshal([]byte(value), &cfg); err == nil {
				maint = &cfg
			}
		default:
			return "", fmt.Errorf("unknown VCREATE option '%s'", key)
		}
		if err != nil {
			return "", fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}

	if err := s.applyCreateIndex(name, opts, maint, log); err != nil {
		return "", err
	}
	return "OK", nil
}

// execVAdd handles:
//
//	VADD <index> <id> <v1,v2,...> [OWNER owner] [META '<json>'] [TS unixnano]
func (s *Server) execVAdd(args [][]byte, log bool) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("VADD requires: index id vector [options]")
	}

	doc := types.VectorDocument{ID: string(args[1])}

	vec, err := parseVector(string(args[2]))
	if err != nil {
		return "", err
	}
	doc.Vector = vec

	rest := args[3:]
	if len(rest)%2 != 0 {
		return "", fmt.Errorf("VADD options must come in key/value pairs")
	}
	for i := 0; i < len(rest); i += 2 {
		key := strings.ToUpper(string(rest[i]))
		value := string(rest[i+1])

		switch key {
		case "OWNER":
			doc.OwnerID = value
		case "META":
			if err := json.Unmarshal([]byte(value), &doc.Metadata); err != nil {
				return "", fmt.Errorf("invalid metadata JSON: %w", err)
			}
		case "TS":
			ns, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return "", fmt.Errorf("invalid TS value: %w", err)
			}
			doc.CreatedAt = time.Unix(0, ns).UTC()
		default:
			return "", fmt.Errorf("unknown VADD option '%s'", key)
		}
	}

	if err := s.applyAddDocument(string(args[0]), doc, log); err != nil {
		return "", err
	}
	return "OK", nil
}

// execVSearch handles:
//
//	VSEARCH <index> <v1,v2,...> <k> [FILTER "expr"] [EF n]
func (s *Server) execVSearch(args [][]byte) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("VSEARCH requires: index vector k [options]")
	}
	indexName := string(args[0])

	vec, err := parseVector(string(args[1]))
	if err != nil {
		return "", err
	}
	k, err := strconv.Atoi(string(args[2]))
	if err != nil {
		return "", fmt.Errorf("invalid k: %w", err)
	}

	var filter string
	var efSearch int

	rest := args[3:]
	if len(rest)%2 != 0 {
		return "", fmt.Errorf("VSEARCH options must come in key/value pairs")
	}
	for i := 0; i < len(rest); i += 2 {
		key := strings.ToUpper(string(rest[i]))
		value := string(rest[i+1])

		switch key {
		case "FILTER":
			filter = value
		case "EF":
			efSearch, err = strconv.Atoi(value)
			if err != nil {
				return "", fmt.Errorf("invalid EF value: %w", err)
			}
		default:
			return "", fmt.Errorf("unknown VSEARCH option '%s'", key)
		}
	}

	results, err := s.db.SearchVectors(indexName, vec, k, filter, efSearch)
	if err != nil {
		return "", err
	}
	metrics.SearchesTotal.WithLabelValues(indexName).Inc()

	data, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseMetric(raw string) (distance.DistanceMetric, error) {
	switch distance.DistanceMetric(strings.ToLower(raw)) {
	case distance.Euclidean:
		return distance.Euclidean, nil
	case distance.Cosine:
		return distance.Cosine, nil
	default:
		return "", fmt.Errorf("unknown metric '%s' (use euclidean or cosine)", raw)
	}
}

func parsePrecision(raw string) (distance.PrecisionType, error) {
	switch distance.PrecisionType(strings.ToLower(raw)) {
	case distance.Float32:
		return distance.Float32, nil
	case distance.Float16:
		return distance.Float16, nil
	case distance.Int8:
		return distance.Int8, nil
	default:
		return "", fmt.Errorf("unknown precision '%s' (use float32, float16 or int8)", raw)
	}
}

func parseVector(raw string) ([]float32, error) {
	parts := strings.Split(raw, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component '%s': %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}
