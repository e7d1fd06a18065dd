package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("audit log closed")

type appendReq struct {
	ctx      context.Context
	category Category
	payload  map[string]string
	resp     chan appendResp
}

type appendResp struct {
	entry *Entry
	err   error
}

// Log serializes every append through one writer goroutine so the chain has
// a single total order.
type Log struct {
	store    Store
	redactor *Redactor
	log      *zap.Logger
	now      func() time.Time

	reqs    chan appendReq
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	tainted atomic.Bool

	// writer-goroutine state
	loaded   bool
	nextSeq  uint64
	prevHash string
}

func New(store Store, redactor *Redactor, log *zap.Logger) *Log {
	l := &Log{
		store:    store,
		redactor: redactor,
		log:      log,
		now:      time.Now,
		reqs:     make(chan appendReq),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Close stops the writer after any in-flight append.
func (l *Log) Close() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

// Append redacts payload and writes it as the next entry in the chain.
func (l *Log) Append(ctx context.Context, category Category, payload map[string]string) (*Entry, error) {
	req := appendReq{ctx: ctx, category: category, payload: payload, resp: make(chan appendResp, 1)}
	select {
	case l.reqs <- req:
	case <-l.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-req.resp
	return r.entry, r.err
}

// Record is Append for callers that only log failures.
func (l *Log) Record(ctx context.Context, category Category, payload map[string]string) {
	if _, err := l.Append(ctx, category, payload); err != nil {
		l.log.Error("audit append failed", zap.String("category", string(category)), zap.Error(err))
	}
}

func (l *Log) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case req := <-l.reqs:
			e, err := l.write(req)
			req.resp <- appendResp{entry: e, err: err}
		}
	}
}

func (l *Log) write(req appendReq) (*Entry, error) {
	e := &Entry{
		Timestamp: l.now().UTC().UnixNano(),
		Category:  req.category,
		Payload:   l.redactor.Redact(req.payload),
	}
	// A second attempt covers another process having appended since our
	// head was loaded.
	for attempt := 0; attempt < 2; attempt++ {
		if !l.loaded {
			if err := l.loadHead(req.ctx); err != nil {
				return nil, err
			}
		}
		e.Seq, e.PrevHash = l.nextSeq, l.prevHash
		h, err := e.ComputeHash()
		if err != nil {
			return nil, err
		}
		e.Hash = h

		err = l.store.Append(req.ctx, e)
		if errors.Is(err, ErrOutOfSequence) {
			l.loaded = false
			continue
		}
		if err != nil {
			return nil, err
		}
		l.nextSeq, l.prevHash = e.Seq+1, e.Hash
		return e, nil
	}
	return nil, fmt.Errorf("%w after reload", ErrOutOfSequence)
}

func (l *Log) loadHead(ctx context.Context) error {
	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("load audit head: %w", err)
	}
	if last == nil {
		l.nextSeq, l.prevHash = 0, GenesisHash
	} else {
		l.nextSeq, l.prevHash = last.Seq+1, last.Hash
	}
	l.loaded = true
	return nil
}

// Corruption locates one integrity failure.
type Corruption struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// Report is the result of VerifyIntegrity.
type Report struct {
	Valid       bool         `json:"valid"`
	Entries     uint64       `json:"entries"`
	Corruptions []Corruption `json:"corruptions,omitempty"`
	CheckedAt   time.Time    `json:"checked_at"`
}

// VerifyIntegrity replays the chain from genesis. Any corruption marks the log
// tainted until the process restarts.
func (l *Log) VerifyIntegrity(ctx context.Context) (*Report, error) {
	rep := &Report{CheckedAt: l.now().UTC()}
	prev := GenesisHash
	var idx uint64

	err := l.store.Scan(ctx, func(e *Entry) error {
		if e.Seq != idx {
			rep.Corruptions = append(rep.Corruptions, Corruption{Seq: idx, Reason: fmt.Sprintf("sequence %d stored at position %d", e.Seq, idx)})
		}
		if e.PrevHash != prev {
			rep.Corruptions = append(rep.Corruptions, Corruption{Seq: idx, Reason: "previous-hash link broken"})
		}
		h, err := e.ComputeHash()
		if err != nil {
			return err
		}
		if h != e.Hash {
			rep.Corruptions = append(rep.Corruptions, Corruption{Seq: idx, Reason: "content hash mismatch"})
		}
		prev = e.Hash
		idx++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: %w", err)
	}

	rep.Entries = idx
	rep.Valid = len(rep.Corruptions) == 0
	if !rep.Valid {
		l.tainted.Store(true)
		l.log.Error("audit chain corrupted",
			zap.Int("corruptions", len(rep.Corruptions)),
			zap.Uint64("first_seq", rep.Corruptions[0].Seq),
		)
	}
	return rep, nil
}

// Tainted reports whether a corruption has been detected.
func (l *Log) Tainted() bool { return l.tainted.Load() }

// Digest exposes the redaction hash so callers can look up entries about a
// given identity.
func (l *Log) Digest(v string) string { return l.redactor.Digest(v) }
