package runner

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Log file names inside a seed's log directory.
const (
	ScalarsCSV  = "scalars.csv"
	EventsJSONL = "events.jsonl"
)

// scalarLog appends logged scalars to events.jsonl and, optionally, to
// scalars.csv in long format (iteration,name,value).
type scalarLog struct {
	events *os.File
	csv    *csv.Writer
	csvF   *os.File
}

func openScalarLog(dir string, withCSV bool) (*scalarLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	events, err := os.OpenFile(filepath.Join(dir, EventsJSONL), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l := &scalarLog{events: events}
	if !withCSV {
		return l, nil
	}

	path := filepath.Join(dir, ScalarsCSV)
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("failed to open scalar log: %w", err)
	}
	l.csvF = f
	l.csv = csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		if err := l.csv.Write([]string{"iteration", "name", "value"}); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to write scalar header: %w", err)
		}
	}
	return l, nil
}

func (l *scalarLog) Write(iteration int, scalars map[string]float64) error {
	names := make([]string, 0, len(scalars))
	for name := range scalars {
		names = append(names, name)
	}
	sort.Strings(names)

	if l.csv != nil {
		it := strconv.Itoa(iteration)
		for _, name := range names {
			if err := l.csv.Write([]string{it, name, strconv.FormatFloat(scalars[name], 'g', -1, 64)}); err != nil {
				return fmt.Errorf("failed to write scalar: %w", err)
			}
		}
		l.csv.Flush()
		if err := l.csv.Error(); err != nil {
			return fmt.Errorf("failed to flush scalars: %w", err)
		}
	}

	line, err := json.Marshal(map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"iteration": iteration,
		"scalars":   jsonScalars(scalars),
	})
	if err != nil {
		return fmt.Errorf("failed to encode scalars: %w", err)
	}
	if _, err := l.events.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// jsonScalars spells out non-finite values, which JSON numbers cannot hold.
func jsonScalars(scalars map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(scalars))
	for name, v := range scalars {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[name] = strconv.FormatFloat(v, 'g', -1, 64)
			continue
		}
		out[name] = v
	}
	return out
}

func (l *scalarLog) Close() error {
	var errs []error
	if l.csv != nil {
		l.csv.Flush()
		errs = append(errs, l.csv.Error(), l.csvF.Close())
	}
	errs = append(errs, l.events.Close())
	return errors.Join(errs...)
}
