package radius

import (
	"encoding/binary"
	"fmt"
	"strings"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

// Vendors
const (
	VendorERX       = 4874
	VendorADSLForum = 3561
)

// ERX (Juniper) vendor attributes
const (
	ERXServiceActivate     = 65
	ERXServiceDeactivate   = 66
	ERXServiceStatistics   = 69
	ERXServiceAcctInterval = 140
)

// ADSL-Forum vendor attributes, carrying DHCP Opt-82 on the BRAS
const (
	ADSLAgentCircuitID = 1
	ADSLAgentRemoteID  = 2
)

// Attributes outside the rfc packages in use
const (
	AttrNASPortID  radius.Type = 87
	AttrFramedPool radius.Type = 88
	AttrErrorCause radius.Type = 101
)

// serviceTag is the tag ERX expects on service attributes (":1").
const serviceTag = 1

// Service names on the BRAS
const (
	ServiceGuest = "SERVICE-GUEST"
	ServiceInet  = "SERVICE-INET"
)

// StatisticsTimeAndVolume is the ERX-Service-Statistics value enabling
// time and volume accounting per service.
const StatisticsTimeAndVolume = 2

// Rates are service rates in bits per second.
type Rates struct {
	In       uint64
	BurstIn  uint64
	Out      uint64
	BurstOut uint64
}

// InetService renders the ERX service activation string.
func InetService(r Rates) string {
	return fmt.Sprintf("%s(%d,%d,%d,%d)", ServiceInet, r.In, r.BurstIn, r.Out, r.BurstOut)
}

// SanitizeUsername strips quote characters the BRAS CLI chokes on.
func SanitizeUsername(username string) string {
	return strings.NewReplacer(`"`, "", `'`, "").Replace(username)
}

func addVendor(p *radius.Packet, vendorID uint32, typ byte, value []byte) error {
	if len(value) > 253-6 {
		return fmt.Errorf("vendor attribute %d/%d too long", vendorID, typ)
	}
	attr := make(radius.Attribute, 2+len(value))
	attr[0] = typ
	attr[1] = byte(len(attr))
	copy(attr[2:], value)

	vsa, err := radius.NewVendorSpecific(vendorID, attr)
	if err != nil {
		return err
	}
	p.Add(rfc2865.VendorSpecific_Type, vsa)
	return nil
}

// addTaggedString adds an ERX string attribute with tag 1.
func addTaggedString(p *radius.Packet, typ byte, s string) error {
	return addVendor(p, VendorERX, typ, append([]byte{serviceTag}, s...))
}

// addTaggedInteger adds an ERX integer attribute with tag 1 in the high
// octet.
func addTaggedInteger(p *radius.Packet, typ byte, v uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v&0x00ffffff)
	b[0] = serviceTag
	return addVendor(p, VendorERX, typ, b)
}

// vendorAttributes returns the values of every sub-attribute typ of
// vendorID in p.
func vendorAttributes(p *radius.Packet, vendorID uint32, typ byte) [][]byte {
	var out [][]byte
	for _, avp := range p.Attributes {
		if avp.Type != rfc2865.VendorSpecific_Type {
			continue
		}
		id, value, err := radius.VendorSpecific(avp.Attribute)
		if err != nil || id != vendorID {
			continue
		}
		for len(value) >= 2 {
			length := int(value[1])
			if length < 2 || length > len(value) {
				break
			}
			if value[0] == typ {
				out = append(out, value[2:length])
			}
			value = value[length:]
		}
	}
	return out
}

func vendorAttribute(p *radius.Packet, vendorID uint32, typ byte) []byte {
	if values := vendorAttributes(p, vendorID, typ); len(values) > 0 {
		return values[0]
	}
	return nil
}

func setString(p *radius.Packet, typ radius.Type, s string) error {
	attr, err := radius.NewString(s)
	if err != nil {
		return err
	}
	p.Set(typ, attr)
	return nil
}
