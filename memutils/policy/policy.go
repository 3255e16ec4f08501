package policy

import "fmt"

// Policy is a single fault-tolerance policy that can be applied to a region. The set of policies is closed:
// only the types in this package implement it, and each is dispatched through this interface rather than
// through any form of registration.
//
// Every method operates on the span of raw storage a policy is responsible for. That span always begins
// with the inner region the policy protects (inner bytes long); anything the policy needs in order to
// protect the inner region is laid out after it.
type Policy interface {
	// Kind returns the enumeration value for this policy
	Kind() Kind
	// PhysicalSize computes the size in bytes of the span required to protect an inner region of the
	// provided size. It returns an error wrapping memutils.ErrOverflow if the size cannot be represented.
	PhysicalSize(inner int) (int, error)
	// Segments describes the byte ranges this policy lays out within its span. index is the position
	// of the policy within its list.
	Segments(index, inner int) []Segment
	// Initialize establishes the policy's redundant state, treating the first inner bytes of span as
	// correct
	Initialize(span []byte, inner int)
	// VerifyAndCorrect scans the span for disagreements, repairs those it can and reports what it found
	VerifyAndCorrect(span []byte, inner int) Result
	// Corrupted reports whether VerifyAndCorrect would find any errors, without writing to the span
	Corrupted(span []byte, inner int) bool

	String() string

	normalize(defaultReplicas int) Policy
	validate() error
}

// Segment is a single byte range within a physical layout
type Segment struct {
	// Policy is the index within the policy list of the policy that laid this segment out
	Policy int
	Kind   Kind
	Role   Role
	Offset int
	Size   int
}

func (s Segment) String() string {
	return fmt.Sprintf("%s/%s[%d:%d]", s.Kind, s.Role, s.Offset, s.Offset+s.Size)
}

// None applies no protection at all
type None struct{}

var _ Policy = None{}

func (p None) Kind() Kind { return KindNone }

func (p None) String() string { return "None" }

func (p None) PhysicalSize(inner int) (int, error) {
	return inner, nil
}

func (p None) Segments(index, inner int) []Segment {
	return []Segment{{Policy: index, Kind: KindNone, Role: RoleData, Offset: 0, Size: inner}}
}

func (p None) Initialize(span []byte, inner int) {}

func (p None) VerifyAndCorrect(span []byte, inner int) Result {
	return Result{}
}

func (p None) Corrupted(span []byte, inner int) bool {
	return false
}

func (p None) normalize(defaultReplicas int) Policy { return p }

func (p None) validate() error { return nil }

func checkSpan(kind Kind, span []byte, size int) {
	if len(span) != size {
		panic(fmt.Sprintf("%s policy was given a span of %d bytes, but its layout requires %d", kind, len(span), size))
	}
}
