package policy

// Kind identifies one member of the closed set of policies that can be applied to a region
type Kind uint32

const (
	// KindNone applies no protection: the physical layout is the logical region itself
	KindNone Kind = iota
	// KindRedundancy stores several full replicas of the logical region and repairs it by majority vote
	KindRedundancy
)

// MaxPolicies is the largest number of policies that can be applied to a single region at once
const MaxPolicies = 3

var kindMapping = map[Kind]string{
	KindNone:       "None",
	KindRedundancy: "Redundancy",
}

func (k Kind) String() string {
	str, ok := kindMapping[k]
	if !ok {
		return "Unknown"
	}
	return str
}

// Valid returns true if the kind is a member of the closed set of policies
func (k Kind) Valid() bool {
	_, ok := kindMapping[k]
	return ok
}

// Role describes what a segment of a physical layout holds
type Role uint32

const (
	// RoleData marks the segment that holds the bytes a policy protects
	RoleData Role = iota
	// RoleReplica marks a segment holding a redundant copy of the data segment
	RoleReplica
)

var roleMapping = map[Role]string{
	RoleData:    "Data",
	RoleReplica: "Replica",
}

func (r Role) String() string {
	return roleMapping[r]
}
