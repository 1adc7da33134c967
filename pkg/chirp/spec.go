package chirp

import (
	"fmt"
	"strings"
	"time"
)

// Parameter declares one positional message parameter. Wildcard positions
// may be subscribed with "*" to receive every value.
type Parameter struct {
	Name     string
	Wildcard bool
}

// MessageSpec declares a message type: its name, positional parameters,
// optional durable topic, tail TTL, and whether a scored history is kept.
type MessageSpec struct {
	Name       string
	Parameters []Parameter

	// Topic overrides the durable stream topic; defaults to Name.
	Topic string

	// TailTTL bounds how long the most-recent message stays readable per
	// parameter vector. Zero disables tails.
	TailTTL time.Duration

	// History keeps a ts-scored history per parameter vector.
	History bool
}

func (s *MessageSpec) topic() string {
	if s.Topic != "" {
		return s.Topic
	}
	return s.Name
}

func (s *MessageSpec) validateParams(params []string) error {
	if len(params) != len(s.Parameters) {
		return fmt.Errorf("%w: %s declares %d parameters, got %d",
			ErrMismatchedMessageParameterCount, s.Name, len(s.Parameters), len(params))
	}
	return nil
}

// Wildcard is the parameter value that matches every publish at a
// wildcard-declared position.
const Wildcard = "*"

// subject builds the bus subject for a parameter vector. Wildcard values
// map onto the bus's native single-token wildcard.
func (s *MessageSpec) subject(region string, params []string) string {
	parts := make([]string, 0, 3+len(params))
	parts = append(parts, "chirp", "msg", region, s.Name)
	for _, p := range params {
		parts = append(parts, sanitizeToken(p))
	}
	return strings.Join(parts, ".")
}

func rpcSubject(region, service string) string {
	return fmt.Sprintf("chirp.rpc.%s.%s", region, service)
}

// sanitizeToken keeps parameter values inside a single subject token.
func sanitizeToken(p string) string {
	if p == Wildcard {
		return p
	}
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(p)
}

// paramKey is the exact-match key fragment for one parameter vector.
func paramKey(params []string) string {
	return strings.Join(params, "/")
}

// tailKey is the redis key holding the most recent message for a
// parameter vector.
func (s *MessageSpec) tailKey(params []string) string {
	return fmt.Sprintf("chirp:tail:%s:%s", s.Name, paramKey(params))
}

// historyKey is the redis sorted-set key scoring messages by timestamp.
func (s *MessageSpec) historyKey(params []string) string {
	return fmt.Sprintf("chirp:history:%s:%s", s.Name, paramKey(params))
}

// streamKey is the redis stream the message's topic appends to.
func (s *MessageSpec) streamKey() string {
	return fmt.Sprintf("chirp:topic:%s", s.topic())
}

// wildcardPermutations returns every key variant of params where each
// wildcard-declared position is either its literal value or "*". For k
// wildcard positions that is 2^k variants; non-wildcard positions always
// keep their literal. Subscribers listening on any starred subset find the
// matching variant written for them.
func (s *MessageSpec) wildcardPermutations(params []string) [][]string {
	var wildcardIdx []int
	for i, p := range s.Parameters {
		if p.Wildcard {
			wildcardIdx = append(wildcardIdx, i)
		}
	}

	count := 1 << len(wildcardIdx)
	out := make([][]string, 0, count)
	for mask := 0; mask < count; mask++ {
		variant := make([]string, len(params))
		copy(variant, params)
		for bit, idx := range wildcardIdx {
			if mask&(1<<bit) != 0 {
				variant[idx] = Wildcard
			}
		}
		out = append(out, variant)
	}
	return out
}
