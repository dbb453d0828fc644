// Package export writes finished runs as CSV tables and reads them back.
//
// A file starts with a comment block holding the run description as YAML, every
// line prefixed with "# ". The table follows: a time column (one per channel when
// skew is kept), then the value and the stdev of the mean for each channel.
package export

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itohio/labdaq/pkg/run"
	"github.com/itohio/labdaq/pkg/series"
)

const (
	// TimeLabel heads the shared time column.
	TimeLabel = "Time(s)"
	// FileTimeLayout is the timestamp appended to file names.
	FileTimeLayout = "060102_150405"

	commentPrefix = "# "
)

// ErrFormat is returned by Read for a file it cannot interpret.
var ErrFormat = errors.New("malformed run file")

// Channel describes one column group.
type Channel struct {
	Label   string  `yaml:"label"`
	Unit    string  `yaml:"unit"`
	Board   string  `yaml:"board"`
	Index   int     `yaml:"board_index"`
	Channel int     `yaml:"channel"`
	Sensor  string  `yaml:"sensor"`
	Gain    float64 `yaml:"gain"`
}

// Meta describes a run.
type Meta struct {
	Title      string        `yaml:"title"`
	RateHz     float64       `yaml:"rate_hz"`
	Averaging  time.Duration `yaml:"averaging"`
	IgnoreSkew bool          `yaml:"ignore_skew"`
	Started    time.Time     `yaml:"started"`
	Channels   []Channel     `yaml:"channels"`
}

// Headings returns the column titles in table order.
func (m Meta) Headings() []string {
	out := make([]string, 0, 3*len(m.Channels)+1)
	for i, c := range m.Channels {
		if !m.IgnoreSkew {
			out = append(out, c.Label+"_"+TimeLabel)
		} else if i == 0 {
			out = append(out, TimeLabel)
		}
		out = append(out, fmt.Sprintf("%s(%s)", c.Label, c.Unit), c.Label+"_stdev")
	}
	return out
}

// MetaFromRun describes a run from its settings.
func MetaFromRun(r *run.Run) Meta {
	m := Meta{
		Title:      r.Title(),
		RateHz:     float64(time.Second) / float64(r.Period()),
		Averaging:  r.Averaging(),
		IgnoreSkew: r.IgnoreSkew(),
		Started:    r.StartedAt(),
	}
	for _, s := range r.Settings() {
		m.Channels = append(m.Channels, Channel{
			Label:   s.Label(),
			Unit:    s.Unit(),
			Board:   s.Board().Name(),
			Index:   s.BoardIndex(),
			Channel: s.Channel(),
			Sensor:  string(s.Kind()),
			Gain:    s.Gain(),
		})
	}
	return m
}

// FileName returns "<title>_<YYMMDD_HHMMSS>.csv" with the title made safe for a
// file system.
func FileName(title string, t time.Time) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '\t':
			return '_'
		}
		return r
	}, strings.TrimSpace(title))
	if safe == "" {
		safe = "run"
	}
	return safe + "_" + t.Format(FileTimeLayout) + ".csv"
}

// Write writes the metadata block and the table.
func Write(w io.Writer, meta Meta, rows []series.Row) error {
	head, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}
	bw := bufio.NewWriter(w)
	for _, line := range strings.Split(strings.TrimRight(string(head), "\n"), "\n") {
		if _, err := bw.WriteString(commentPrefix + line + "\n"); err != nil {
			return err
		}
	}

	cw := csv.NewWriter(bw)
	if err := cw.Write(meta.Headings()); err != nil {
		return err
	}
	n := len(meta.Channels)
	record := make([]string, 0, 3*n+1)
	for _, row := range rows {
		if len(row.Values) != n {
			return fmt.Errorf("row %d has %d values for %d channels", row.Seq, len(row.Values), n)
		}
		record = record[:0]
		for i := 0; i < n; i++ {
			if !meta.IgnoreSkew || i == 0 {
				record = append(record, formatFloat(row.Times[i]))
			}
			record = append(record, formatFloat(row.Values[i]), formatFloat(row.AvgStdevs[i]))
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Save writes the table to dir under FileName and returns the path.
func Save(dir string, meta Meta, rows []series.Row, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, FileName(meta.Title, now))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create run file: %w", err)
	}
	if err := Write(f, meta, rows); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write run file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write run file: %w", err)
	}
	return path, nil
}

// SaveRun exports a finished run.
func SaveRun(dir string, r *run.Run) (string, error) {
	return Save(dir, MetaFromRun(r), r.Buffer().Rows(), r.StartedAt())
}

// Read parses a file written by Write. Stdev columns come back as AvgStdevs;
// the sample stdev is not stored.
func Read(rd io.Reader) (Meta, []series.Row, error) {
	var meta Meta
	br := bufio.NewReader(rd)

	var head bytes.Buffer
	for {
		peek, err := br.Peek(len(commentPrefix))
		if err != nil || string(peek) != commentPrefix {
			break
		}
		line, err := br.ReadString('\n')
		if err != nil {
			return meta, nil, fmt.Errorf("%w: truncated metadata", ErrFormat)
		}
		head.WriteString(strings.TrimPrefix(line, commentPrefix))
	}
	if err := yaml.Unmarshal(head.Bytes(), &meta); err != nil {
		return meta, nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
	}
	n := len(meta.Channels)
	if n == 0 {
		return meta, nil, fmt.Errorf("%w: no channels", ErrFormat)
	}

	cr := csv.NewReader(br)
	headings, err := cr.Read()
	if err != nil {
		return meta, nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if want := meta.Headings(); strings.Join(headings, ",") != strings.Join(want, ",") {
		return meta, nil, fmt.Errorf("%w: header %v does not match metadata", ErrFormat, headings)
	}

	var rows []series.Row
	for seq := 0; ; seq++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return meta, nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		row, err := parseRecord(record, seq, n, meta.IgnoreSkew)
		if err != nil {
			return meta, nil, err
		}
		rows = append(rows, row)
	}
	return meta, rows, nil
}

func parseRecord(record []string, seq, n int, ignoreSkew bool) (series.Row, error) {
	row := series.Row{
		Seq:       seq,
		Times:     make([]float64, n),
		Values:    make([]float64, n),
		Stdevs:    make([]float64, n),
		AvgStdevs: make([]float64, n),
	}
	vals := make([]float64, len(record))
	for i, f := range record {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return row, fmt.Errorf("%w: row %d: %v", ErrFormat, seq, err)
		}
		vals[i] = v
	}

	k := 0
	for i := 0; i < n; i++ {
		if !ignoreSkew || i == 0 {
			row.Times[i] = vals[k]
			k++
		} else {
			row.Times[i] = row.Times[0]
		}
		row.Values[i] = vals[k]
		row.AvgStdevs[i] = vals[k+1]
		k += 2
	}
	return row, nil
}
