package validation

import (
	"github.com/rs/zerolog/log"
)

// Handler is one link of a hand-built chain. Links are joined with SetNext.
// There is no cycle detection; a cycle makes Check recurse forever.
type Handler struct {
	v    Validator
	next *Handler
}

// NewHandler wraps v in a chain link. A link with a nil validator passes every
// record on to the next link.
func NewHandler(v Validator) *Handler {
	return &Handler{v: v}
}

// SetNext links next after h and returns next, so links can be joined as
// a.SetNext(b).SetNext(c).
func (h *Handler) SetNext(next *Handler) *Handler {
	h.next = next
	return next
}

// Next returns the following link, or nil at the end of the chain.
func (h *Handler) Next() *Handler {
	return h.next
}

// Check runs the local validator and delegates to the next link on success.
// A nil Handler is an empty chain and succeeds.
func (h *Handler) Check(r Record) error {
	if h == nil {
		return nil
	}
	if h.v != nil {
		if err := h.v.Validate(r); err != nil {
			return asReject(h.v, err)
		}
	}
	if h.next == nil {
		return nil
	}
	return h.next.Check(r)
}

// Chain is an ordered list of validators frozen at construction.
type Chain struct {
	validators []Validator
	recorder   Recorder
}

// Option configures a Chain.
type Option func(*Chain)

// WithRecorder reports each Check outcome to rec.
func WithRecorder(rec Recorder) Option {
	return func(c *Chain) {
		c.recorder = rec
	}
}

// NewChain builds a chain that runs validators in the given order. Nil
// validators are skipped.
func NewChain(validators ...Validator) *Chain {
	c := &Chain{validators: make([]Validator, 0, len(validators))}
	for _, v := range validators {
		if v != nil {
			c.validators = append(c.validators, v)
		}
	}
	return c
}

// With returns a copy of c with the options applied.
func (c *Chain) With(opts ...Option) *Chain {
	cp := &Chain{validators: c.validators, recorder: c.recorder}
	for _, opt := range opts {
		opt(cp)
	}
	return cp
}

// Check returns nil if every validator approves, or the first rejection as a
// *RejectError. An empty chain approves everything.
func (c *Chain) Check(r Record) error {
	err := c.run(r)
	if c.recorder != nil {
		c.recorder.ObserveValidation(err)
	}
	return err
}

func (c *Chain) run(r Record) error {
	for _, v := range c.validators {
		if err := v.Validate(r); err != nil {
			rejected := asReject(v, err)
			log.Debug().
				Str("validator", rejected.Validator).
				Str("reason", rejected.Reason).
				Msg("record rejected")
			return rejected
		}
	}
	return nil
}

// Len returns the number of validators.
func (c *Chain) Len() int {
	return len(c.validators)
}

// Names returns validator names in run order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.validators))
	for i, v := range c.validators {
		names[i] = v.Name()
	}
	return names
}

// Handler converts the chain into its linked form.
func (c *Chain) Handler() *Handler {
	var head, tail *Handler
	for _, v := range c.validators {
		h := NewHandler(v)
		if head == nil {
			head = h
		} else {
			tail.SetNext(h)
		}
		tail = h
	}
	return head
}
