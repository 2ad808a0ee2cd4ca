package aggregation

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"Handel/internal/handel"
	"Handel/internal/logger"
	"Handel/internal/validators"
)

var (
	// ErrRoundCorrupted is returned once a session hit a store invariant violation.
	// The round must be discarded.
	ErrRoundCorrupted = errors.New("aggregation round corrupted")

	// ErrOutOfRange is returned for contributions whose sender or contributors
	// do not belong to the level they were sent for.
	ErrOutOfRange = errors.New("contribution out of level range")

	// ErrInvalidSignature is returned when a contribution fails verification.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SessionConfig configures one aggregation round on one node.
type SessionConfig struct {
	NodeID     int                      // NodeID is the id of this node in Validators
	Key        *BLSKeyPair              // Key is the BLS key of this node
	Validators *validators.ValidatorSet // Validators are the participants of the round
	Message    []byte                   // Message is what every participant signs
	Metrics    *Metrics                 // Metrics is optional
}

// validate checks the configuration.
func (c *SessionConfig) validate() error {
	if c.Key == nil {
		return fmt.Errorf("missing key")
	}

	if c.Validators == nil || c.Validators.Len() == 0 {
		return fmt.Errorf("missing validators")
	}

	if len(c.Message) == 0 {
		return fmt.Errorf("missing message")
	}

	pk, err := c.Validators.PublicKey(c.NodeID)
	if err != nil {
		return fmt.Errorf("node %d:\n%w", c.NodeID, err)
	}

	if string(pk) != string(c.Key.PublicKeyBytes()) {
		return fmt.Errorf("node %d: key does not match validator set", c.NodeID)
	}

	return nil
}

// Session aggregates the signatures of one round as seen by one node.
// It is safe for concurrent use.
type Session struct {
	cfg         SessionConfig                         // cfg is the round configuration
	label       string                                // label is the node id as a metric label
	partitioner *handel.BinomialPartitioner           // partitioner splits the validators into levels
	mu          sync.Mutex                            // mu guards store and corrupted
	store       *handel.ReplaceStore[int, *Signature] // store holds the best signatures per level
	corrupted   error                                 // corrupted is set once the store panicked
}

// NewSession creates a session and stores the node's own signature at level 0.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid session config:\n%w", err)
	}

	partitioner, err := handel.NewBinomialPartitioner(cfg.NodeID, cfg.Validators.Len())
	if err != nil {
		return nil, fmt.Errorf("create partitioner:\n%w", err)
	}

	s := &Session{
		cfg:         cfg,
		label:       strconv.Itoa(cfg.NodeID),
		partitioner: partitioner,
	}
	s.store = handel.NewStore[int, *Signature](s)

	own := NewSignature(cfg.Key, cfg.Message, cfg.NodeID)
	if err := s.put(own, 0, cfg.NodeID); err != nil {
		return nil, fmt.Errorf("store own signature:\n%w", err)
	}

	return s, nil
}

// Partitioner returns the partitioner of the session's node.
func (s *Session) Partitioner() handel.Partitioner {
	return s.partitioner
}

// Registry returns the validator set resolving contributors.
func (s *Session) Registry() handel.Registry {
	return s.cfg.Validators
}

// Levels returns the number of levels of the round.
func (s *Session) Levels() int {
	return s.partitioner.Levels()
}

// Peers returns the ids this node exchanges with at level.
func (s *Session) Peers(level int) ([]int, error) {
	return s.partitioner.Peers(level)
}

// Receive processes a signature sent by from for level.
// The signature is checked against the level range and verified before it
// reaches the store. A verified signature that does not improve the level
// is dropped without error.
func (s *Session) Receive(from, level int, sig *Signature) error {
	if err := s.check(from, level, sig); err != nil {
		s.cfg.Metrics.observe(outcomeRejected)
		return err
	}

	s.mu.Lock()
	if s.corrupted != nil {
		s.mu.Unlock()
		return s.corrupted
	}
	s.store.MarkReceived(from)
	s.mu.Unlock()

	if err := sig.Verify(s.cfg.Message, s.cfg.Validators); err != nil {
		s.cfg.Metrics.observe(outcomeInvalid)
		logger.Debug("dropping contribution", "node", s.cfg.NodeID, "from", from, "level", level, "error", err)

		return fmt.Errorf("%w from %d at level %d:\n%w", ErrInvalidSignature, from, level, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before, _ := s.store.BestIdentity(level)

	if err := s.put(sig, level, from); err != nil {
		return err
	}

	after, _ := s.store.BestIdentity(level)
	if !changed(before, after) {
		s.cfg.Metrics.observe(outcomeDiscarded)
		return nil
	}

	logger.Debug("level improved", "node", s.cfg.NodeID, "from", from, "level", level, "best", after)

	s.cfg.Metrics.observe(outcomeAccepted)
	s.cfg.Metrics.progress(s.label, s.store.BestLevel(), s.weight())

	return nil
}

// changed reports whether the best identity of a level now covers other signers.
// An equal set replacing itself is not a change.
func changed(before, after handel.Identity) bool {
	if after == nil {
		return false
	}

	if before == nil {
		return true
	}

	return before.Signers().SymmetricDifferenceCardinality(after.Signers()) != 0
}

// check validates the sender and contributors of sig against level.
func (s *Session) check(from, level int, sig *Signature) error {
	if sig == nil || sig.Contributors() == nil || sig.Contributors().None() {
		return fmt.Errorf("empty contribution from %d", from)
	}

	if level == 0 {
		return &handel.LevelError{Level: level, Err: handel.ErrInvalidLevel}
	}

	r, err := s.partitioner.Range(level)
	if err != nil {
		return fmt.Errorf("contribution from %d:\n%w", from, err)
	}

	senderLevel, err := s.partitioner.LevelOf(from)
	if err != nil {
		return fmt.Errorf("%w: sender %d:\n%w", ErrOutOfRange, from, err)
	}

	if senderLevel != level {
		return fmt.Errorf("%w: sender %d belongs to level %d, not %d", ErrOutOfRange, from, senderLevel, level)
	}

	contributors := sig.Contributors()
	for id, ok := contributors.NextSet(0); ok; id, ok = contributors.NextSet(id + 1) {
		if !r.Contains(int(id)) {
			return fmt.Errorf("%w: contributor %d not in %v", ErrOutOfRange, id, r)
		}
	}

	return nil
}

// put stores sig and turns a store panic into ErrRoundCorrupted.
// Callers hold mu, except during construction.
func (s *Session) put(sig *Signature, level, from int) (err error) {
	if s.corrupted != nil {
		return s.corrupted
	}

	defer func() {
		if r := recover(); r != nil {
			s.corrupted = fmt.Errorf("%w: %v", ErrRoundCorrupted, r)
			s.cfg.Metrics.observe(outcomeCorrupted)
			logger.Error("aggregation round corrupted", "node", s.cfg.NodeID, "from", from, "level", level, "error", r)

			err = s.corrupted
		}
	}()

	return s.store.Put(sig, level, s.cfg.Validators, from)
}

// Outgoing returns what this node sends to its peers at level: the
// combination of its best signatures on all lower levels.
func (s *Session) Outgoing(level int) (*Signature, bool) {
	if level < 1 || level >= s.partitioner.Levels() {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupted != nil {
		return nil, false
	}

	return s.combined(level - 1)
}

// combined wraps the store combination with panic recovery. Callers hold mu.
func (s *Session) combined(level int) (sig *Signature, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.corrupted = fmt.Errorf("%w: %v", ErrRoundCorrupted, r)
			logger.Error("aggregation round corrupted", "node", s.cfg.NodeID, "level", level, "error", r)

			sig, ok = nil, false
		}
	}()

	return s.store.Combined(level)
}

// Result returns the combination of the best signatures of all levels.
func (s *Session) Result() (*Signature, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.corrupted != nil {
		return nil, false
	}

	return s.combined(s.partitioner.Levels() - 1)
}

// Weight returns the weight covered by the current result.
func (s *Session) Weight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.weight()
}

// weight returns the result weight. Callers hold mu.
func (s *Session) weight() uint64 {
	if s.corrupted != nil {
		return 0
	}

	result, ok := s.combined(s.partitioner.Levels() - 1)
	if !ok {
		return 0
	}

	return s.cfg.Validators.Weight(result.Contributors())
}

// Done reports whether the result reached the quorum weight.
func (s *Session) Done() bool {
	return s.Weight() >= s.cfg.Validators.QuorumWeight()
}

// Err returns the corruption error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.corrupted
}

// BestLevel returns the highest level that improved so far.
func (s *Session) BestLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.BestLevel()
}

// Received reports whether anything arrived from peer.
func (s *Session) Received(peer int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.IndividualReceived(peer)
}
