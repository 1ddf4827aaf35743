package models

// Environment binds a stack to one account and region.
type Environment struct {
	Account string `json:"account"`
	Region  string `json:"region"`
}

// SubnetType classifies a subnet by how it reaches the internet.
type SubnetType string

const (
	SubnetPublic  SubnetType = "PUBLIC"
	SubnetPrivate SubnetType = "PRIVATE"
)

// Subnet is a single looked-up subnet of an existing VPC.
type Subnet struct {
	SubnetID         string     `json:"subnet_id"`
	AvailabilityZone string     `json:"availability_zone"`
	CIDR             string     `json:"cidr"`
	RouteTableID     string     `json:"route_table_id"`
	Type             SubnetType `json:"type"`
}

// VPCContext is the result of looking up a pre-existing VPC. It is the only
// information the compute stack needs about the network it is placed into.
type VPCContext struct {
	VPCID             string   `json:"vpc_id"`
	VPCName           string   `json:"vpc_name"`
	CIDR              string   `json:"cidr"`
	AvailabilityZones []string `json:"availability_zones"`
	Subnets           []Subnet `json:"subnets"`
}

// SubnetsOfType returns the subnets of the given type in lookup order.
func (v VPCContext) SubnetsOfType(t SubnetType) []Subnet {
	var out []Subnet
	for _, s := range v.Subnets {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}
