package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Stream names one append-only log.
type Stream string

const (
	StreamActions  Stream = "actions"
	StreamTools    Stream = "tool_events"
	StreamPatterns Stream = "pattern_events"
)

// Streams lists every stream in a stable order.
var Streams = []Stream{StreamActions, StreamTools, StreamPatterns}

func (s Stream) valid() bool {
	switch s {
	case StreamActions, StreamTools, StreamPatterns:
		return true
	}
	return false
}

// FileName is the stream's file inside the log directory.
func (s Stream) FileName() string {
	return string(s) + ".jsonl"
}

const maxLineBytes = 1 << 20

// #region trail
// Trail owns the NDJSON streams under one directory. Appends are serialised
// so lines never interleave.
type Trail struct {
	dir    string
	signer *Signer
	logger *zap.Logger

	mu sync.Mutex
}

// NewTrail creates dir if needed.
func NewTrail(dir string, signer *Signer, logger *zap.Logger) (*Trail, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if signer == nil {
		signer = NewSigner("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{dir: dir, signer: signer, logger: logger}, nil
}

// Signer returns the signer events should be built with.
func (t *Trail) Signer() *Signer { return t.signer }

// Path returns the file backing stream.
func (t *Trail) Path(stream Stream) string {
	return filepath.Join(t.dir, stream.FileName())
}

func (t *Trail) append(stream Stream, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", stream, err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.Path(stream), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", stream, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", stream, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", stream, err)
	}
	return nil
}

// AppendAction writes to the actions stream.
func (t *Trail) AppendAction(ev ActionEvent) error { return t.append(StreamActions, ev) }

// AppendTool writes to the tool_events stream.
func (t *Trail) AppendTool(ev ToolEvent) error { return t.append(StreamTools, ev) }

// AppendEvolution writes to the pattern_events stream.
func (t *Trail) AppendEvolution(ev EvolutionEvent) error { return t.append(StreamPatterns, ev) }

// AppendCell writes to the pattern_events stream.
func (t *Trail) AppendCell(ev CellEvent) error { return t.append(StreamPatterns, ev) }

// #endregion trail

// #region read
// Tail returns up to limit of the newest raw lines of stream, oldest first.
// A missing file yields no lines. limit <= 0 returns everything.
func (t *Trail) Tail(stream Stream, limit int) ([]json.RawMessage, error) {
	if !stream.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []json.RawMessage
	err := scanLines(t.Path(stream), func(_ int, line []byte) {
		out = append(out, json.RawMessage(bytes.Clone(line)))
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// ToolEvents decodes the newest limit tool events.
func (t *Trail) ToolEvents(limit int) ([]ToolEvent, error) {
	raw, err := t.Tail(StreamTools, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ToolEvent, 0, len(raw))
	for _, r := range raw {
		var ev ToolEvent
		if err := json.Unmarshal(r, &ev); err != nil {
			t.logger.Debug("skipping undecodable tool event", zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// EvolutionEvents decodes the newest evolution events among the last limit
// pattern-stream lines.
func (t *Trail) EvolutionEvents(limit int) ([]EvolutionEvent, error) {
	raw, err := t.Tail(StreamPatterns, limit)
	if err != nil {
		return nil, err
	}
	var out []EvolutionEvent
	for _, r := range raw {
		var ev EvolutionEvent
		if err := json.Unmarshal(r, &ev); err != nil || ev.Kind != KindEvolution {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func scanLines(path string, fn func(n int, line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(n, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return nil
}

// #endregion read

// #region verify
// Report summarises one verified file.
type Report struct {
	Path       string `json:"path"`
	Lines      int    `json:"lines"`
	Mismatched []int  `json:"mismatched,omitempty"` // 1-based line numbers
}

type signedLine interface {
	payload() any
}

func decodeSigned(line []byte) (signedLine, string, error) {
	var head struct {
		Kind      string `json:"kind"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, "", err
	}
	switch head.Kind {
	case KindAction:
		return decodeAs[ActionEvent](line, head.Signature)
	case KindTool:
		return decodeAs[ToolEvent](line, head.Signature)
	case KindEvolution:
		return decodeAs[EvolutionEvent](line, head.Signature)
	case KindCell:
		return decodeAs[CellEvent](line, head.Signature)
	}
	return nil, "", fmt.Errorf("unknown event kind %q", head.Kind)
}

func decodeAs[T signedLine](line []byte, sig string) (signedLine, string, error) {
	var ev T
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, "", err
	}
	return ev, sig, nil
}

// VerifyFile recomputes the signature of every line in path. Any undecodable
// or mismatching line makes the returned error wrap ErrSignatureMismatch.
func (s *Signer) VerifyFile(path string) (Report, error) {
	rep := Report{Path: path}
	err := scanLines(path, func(n int, line []byte) {
		rep.Lines++
		ev, sig, err := decodeSigned(line)
		if err != nil || !s.Verify(ev.payload(), sig) {
			rep.Mismatched = append(rep.Mismatched, n)
		}
	})
	if err != nil {
		return rep, fmt.Errorf("verify %s: %w", filepath.Base(path), err)
	}
	if len(rep.Mismatched) > 0 {
		return rep, fmt.Errorf("%s: %d of %d lines: %w", filepath.Base(path), len(rep.Mismatched), rep.Lines, ErrSignatureMismatch)
	}
	return rep, nil
}

// Verify checks every existing stream concurrently. Reports are returned in
// Streams order even when an error is returned.
func (t *Trail) Verify(ctx context.Context) ([]Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reports := make([]Report, len(Streams))
	g, _ := errgroup.WithContext(ctx)
	for i, stream := range Streams {
		path := t.Path(stream)
		reports[i] = Report{Path: path}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		g.Go(func() error {
			rep, err := t.signer.VerifyFile(path)
			reports[i] = rep
			return err
		})
	}
	err := g.Wait()
	return reports, err
}

// #endregion verify
