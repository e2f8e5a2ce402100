// SPDX-License-Identifier: AGPL-3.0-only
package agent

// FragmentKind distinguishes plain text from wrapped response items.
type FragmentKind int

const (
	KindText FragmentKind = iota
	KindEnvelope
)

// Fragment is one piece of a streamed agent response. Text deltas travel
// wrapped in an envelope carrying the response role, so consumers unwrap
// Inner until they reach a KindText fragment. A fragment with a non-nil Err
// ends the stream with a failure.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Role  string
	Inner *Fragment
	Err   error
}

// TextFragment returns a plain text fragment.
func TextFragment(text string) Fragment {
	return Fragment{Kind: KindText, Text: text}
}

// Envelope wraps inner in a response item for role.
func Envelope(role string, inner Fragment) Fragment {
	return Fragment{Kind: KindEnvelope, Role: role, Inner: &inner}
}

// ErrorFragment reports a failed invocation.
func ErrorFragment(err error) Fragment {
	return Fragment{Err: err}
}
