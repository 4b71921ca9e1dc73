// Package snapshot captures the state of a JIT engine (counters, block
// inventory, options and the hottest methods) and stores it as canonical
// CBOR, so two captures of the same state are byte-identical.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/versa/jit"
)

// FormatVersion is written into every snapshot. Read rejects others.
const FormatVersion = 1

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Options records the engine settings in effect when a snapshot was taken.
type Options struct {
	InlineSize    int  `cbor:"inline_size" json:"inline_size"`
	OutlinedSize  int  `cbor:"outlined_size" json:"outlined_size"`
	MaxVersions   int  `cbor:"max_versions" json:"max_versions"`
	VerifyContext bool `cbor:"verify_context" json:"verify_context"`
	Stats         bool `cbor:"stats" json:"stats"`
	CallThreshold int  `cbor:"call_threshold" json:"call_threshold"`
}

// HotMethod is one entry of the profiler's ranking.
type HotMethod struct {
	Method      string `cbor:"method" json:"method"`
	Invocations uint64 `cbor:"invocations" json:"invocations"`
}

// Snapshot is a point-in-time copy of an engine's observable state.
// Taken is in Unix nanoseconds.
type Snapshot struct {
	Version int             `cbor:"version" json:"version"`
	Taken   int64           `cbor:"taken" json:"taken"`
	Options Options         `cbor:"options" json:"options"`
	Stats   jit.Stats       `cbor:"stats" json:"stats"`
	Blocks  []jit.BlockInfo `cbor:"blocks" json:"blocks"`
	Hot     []HotMethod     `cbor:"hot" json:"hot"`
}

// hotMethods bounds the profiler ranking kept in a snapshot.
const hotMethods = 10

// Capture snapshots e.
func Capture(e *jit.Engine) *Snapshot {
	opts := e.Options()
	v := e.VM()
	s := &Snapshot{
		Version: FormatVersion,
		Taken:   time.Now().UnixNano(),
		Options: Options{
			InlineSize:    opts.InlineSize,
			OutlinedSize:  opts.OutlinedSize,
			MaxVersions:   opts.MaxVersions,
			VerifyContext: opts.VerifyContext,
			Stats:         opts.Stats,
			CallThreshold: int(v.Profiler.Threshold()),
		},
		Stats:  e.Stats(),
		Blocks: e.Blocks(),
	}
	for _, m := range v.Profiler.TopMethods(hotMethods) {
		var n uint64
		if p := v.Profiler.Profile(m); p != nil {
			n = p.Invocations()
		}
		s.Hot = append(s.Hot, HotMethod{Method: m.String(), Invocations: n})
	}
	return s
}

// Time returns when the snapshot was taken.
func (s *Snapshot) Time() time.Time {
	return time.Unix(0, s.Taken)
}

// Marshal encodes s as canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	return encMode.Marshal(s)
}

// Unmarshal decodes a snapshot produced by Marshal.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if s.Version != FormatVersion {
		return nil, fmt.Errorf("snapshot: unsupported format version %d", s.Version)
	}
	return &s, nil
}

// Write stores s at path.
func (s *Snapshot) Write(path string) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return nil
}

// Read loads a snapshot written by Write.
func Read(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Print writes a human-readable report of s to w.
func (s *Snapshot) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	st := s.Stats
	fmt.Fprintf(tw, "snapshot\t%s\n", s.Time().Format(time.RFC3339))
	fmt.Fprintf(tw, "call threshold\t%d\n", s.Options.CallThreshold)
	fmt.Fprintf(tw, "max versions\t%d\n", s.Options.MaxVersions)
	fmt.Fprintf(tw, "blocks compiled\t%d\n", st.BlocksCompiled)
	fmt.Fprintf(tw, "live blocks\t%d\n", st.LiveBlocks)
	fmt.Fprintf(tw, "branches compiled\t%d\n", st.BranchesCompiled)
	fmt.Fprintf(tw, "compile failures\t%d\n", st.CompileFailures)
	fmt.Fprintf(tw, "invalidations\t%d\n", st.Invalidations)
	fmt.Fprintf(tw, "chain limit hits\t%d\n", st.ChainLimitHits)
	fmt.Fprintf(tw, "version limit hits\t%d\n", st.VersionLimitHits)
	fmt.Fprintf(tw, "code bytes\t%d (inline %d, outlined %d words)\n", st.CodeBytes, st.InlineWords, st.OutlinedWords)
	fmt.Fprintf(tw, "sends\tbuiltin %d, native %d, accessor %d, iseq %d, generic %d\n",
		st.BuiltinSends, st.NativeSends, st.AccessorSends, st.IseqSends, st.GenericSends)

	exits := make([]string, 0, len(st.SideExits))
	for op := range st.SideExits {
		exits = append(exits, op)
	}
	sort.Strings(exits)
	for _, op := range exits {
		fmt.Fprintf(tw, "side exits\t%s\t%d\n", op, st.SideExits[op])
	}
	for _, reason := range st.TopBailouts() {
		fmt.Fprintf(tw, "send bailouts\t%s\t%d\n", reason, st.SendBailouts[reason])
	}
	for _, h := range s.Hot {
		fmt.Fprintf(tw, "hot\t%s\t%d\n", h.Method, h.Invocations)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Blocks) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tMETHOD\tINSNS\tCODE\tCONTEXT\tSTATE")
	for _, b := range s.Blocks {
		state := "live"
		if b.Invalidated {
			state = "invalidated"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d-%d\t%04x-%04x\t%s\t%s\n",
			b.Serial, b.Method, b.Index, b.EndIndex, b.Start, b.End, b.Context, state)
	}
	return tw.Flush()
}
