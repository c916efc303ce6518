package mqttasync

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
)

// PropertyID represents an MQTT v5.0 property identifier.
type PropertyID byte

// Property identifiers as defined in MQTT v5.0 specification.
const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// PropertyType represents the data type of a property value.
type PropertyType byte

const (
	PropTypeByte        PropertyType = 0 // byte
	PropTypeTwoByteInt  PropertyType = 1 // uint16
	PropTypeFourByteInt PropertyType = 2 // uint32
	PropTypeVarInt      PropertyType = 3 // uint32, at most MaxVarInt
	PropTypeString      PropertyType = 4 // string
	PropTypeBinary      PropertyType = 5 // []byte
	PropTypeStringPair  PropertyType = 6 // StringPair
)

// MaxVarInt is the largest value a variable byte integer can hold.
const MaxVarInt = 268435455

var propertyTypeNames = [...]string{
	PropTypeByte:        "byte",
	PropTypeTwoByteInt:  "uint16",
	PropTypeFourByteInt: "uint32",
	PropTypeVarInt:      "varint",
	PropTypeString:      "string",
	PropTypeBinary:      "binary",
	PropTypeStringPair:  "string pair",
}

// String returns the name of the property type.
func (t PropertyType) String() string {
	if int(t) < len(propertyTypeNames) {
		return propertyTypeNames[t]
	}
	return "unknown"
}

// propertyTypeMap maps property IDs to their data types.
var propertyTypeMap = map[PropertyID]PropertyType{
	PropPayloadFormatIndicator:   PropTypeByte,
	PropMessageExpiryInterval:    PropTypeFourByteInt,
	PropContentType:              PropTypeString,
	PropResponseTopic:            PropTypeString,
	PropCorrelationData:          PropTypeBinary,
	PropSubscriptionIdentifier:   PropTypeVarInt,
	PropSessionExpiryInterval:    PropTypeFourByteInt,
	PropAssignedClientIdentifier: PropTypeString,
	PropServerKeepAlive:          PropTypeTwoByteInt,
	PropAuthenticationMethod:     PropTypeString,
	PropAuthenticationData:       PropTypeBinary,
	PropRequestProblemInfo:       PropTypeByte,
	PropWillDelayInterval:        PropTypeFourByteInt,
	PropRequestResponseInfo:      PropTypeByte,
	PropResponseInformation:      PropTypeString,
	PropServerReference:          PropTypeString,
	PropReasonString:             PropTypeString,
	PropReceiveMaximum:           PropTypeTwoByteInt,
	PropTopicAliasMaximum:        PropTypeTwoByteInt,
	PropTopicAlias:               PropTypeTwoByteInt,
	PropMaximumQoS:               PropTypeByte,
	PropRetainAvailable:          PropTypeByte,
	PropUserProperty:             PropTypeStringPair,
	PropMaximumPacketSize:        PropTypeFourByteInt,
	PropWildcardSubAvailable:     PropTypeByte,
	PropSubscriptionIDAvailable:  PropTypeByte,
	PropSharedSubAvailable:       PropTypeByte,
}

// PropertyType returns the data type mandated for this property ID.
// The second result is false for identifiers outside the MQTT v5.0 table.
func (p PropertyID) PropertyType() (PropertyType, bool) {
	t, ok := propertyTypeMap[p]
	return t, ok
}

// String returns the identifier in hexadecimal form.
func (p PropertyID) String() string {
	return fmt.Sprintf("0x%02X", byte(p))
}

// ErrUnknownPropertyID is returned when a property identifier is not part of
// the MQTT v5.0 property table.
var ErrUnknownPropertyID = errors.New("unknown property identifier")

// StringPair is a UTF-8 key/value pair, the value type of user properties.
type StringPair struct {
	Key   string
	Value string
}

// Property is a single immutable (identifier, typed value) pair.
type Property struct {
	id    PropertyID
	value any
}

// NewProperty creates a property, checking that the Go type of value matches
// the type mandated by id.
func NewProperty(id PropertyID, value any) (Property, error) {
	want, ok := id.PropertyType()
	if !ok {
		return Property{}, fmt.Errorf("%w: %s", ErrUnknownPropertyID, id)
	}

	switch v := value.(type) {
	case byte:
		if want == PropTypeByte {
			return Property{id: id, value: v}, nil
		}
	case uint16:
		if want == PropTypeTwoByteInt {
			return Property{id: id, value: v}, nil
		}
	case uint32:
		if want == PropTypeFourByteInt {
			return Property{id: id, value: v}, nil
		}
		if want == PropTypeVarInt && v <= MaxVarInt {
			return Property{id: id, value: v}, nil
		}
	case string:
		if want == PropTypeString {
			return Property{id: id, value: v}, nil
		}
	case []byte:
		if want == PropTypeBinary {
			return Property{id: id, value: bytes.Clone(v)}, nil
		}
	case StringPair:
		if want == PropTypeStringPair {
			return Property{id: id, value: v}, nil
		}
	}

	return Property{}, &TypeMismatchError{ID: id, Want: want, Value: value}
}

// MustProperty is like NewProperty but panics on a type mismatch.
// It is intended for package-level tables and tests.
func MustProperty(id PropertyID, value any) Property {
	p, err := NewProperty(id, value)
	if err != nil {
		panic(err)
	}
	return p
}

// ID returns the property identifier.
func (p Property) ID() PropertyID { return p.id }

// Value returns the property value. Binary values are returned as a copy.
func (p Property) Value() any {
	if b, ok := p.value.([]byte); ok {
		return bytes.Clone(b)
	}
	return p.value
}

// Clone returns a deep copy of the property.
func (p Property) Clone() Property {
	if b, ok := p.value.([]byte); ok {
		return Property{id: p.id, value: bytes.Clone(b)}
	}
	return p
}

// Byte returns the value of a byte property.
func (p Property) Byte() (byte, bool) {
	v, ok := p.value.(byte)
	return v, ok
}

// Uint16 returns the value of a two byte integer property.
func (p Property) Uint16() (uint16, bool) {
	v, ok := p.value.(uint16)
	return v, ok
}

// Uint32 returns the value of a four byte or variable byte integer property.
func (p Property) Uint32() (uint32, bool) {
	v, ok := p.value.(uint32)
	return v, ok
}

// Str returns the value of a UTF-8 string property.
func (p Property) Str() (string, bool) {
	v, ok := p.value.(string)
	return v, ok
}

// Binary returns a copy of the value of a binary property.
func (p Property) Binary() ([]byte, bool) {
	v, ok := p.value.([]byte)
	if !ok {
		return nil, false
	}
	return bytes.Clone(v), true
}

// StringPair returns the value of a user property.
func (p Property) StringPair() (StringPair, bool) {
	v, ok := p.value.(StringPair)
	return v, ok
}

// Properties is an ordered multiset of properties. The same identifier may
// appear more than once, for example several user properties.
//
// The zero value is an empty store ready to use. A nil *Properties behaves as
// an empty store for all read operations.
type Properties struct {
	props []Property
}

// NewProperties creates a store holding the given properties in order.
func NewProperties(props ...Property) *Properties {
	p := &Properties{props: make([]Property, 0, len(props))}
	for _, prop := range props {
		p.props = append(p.props, prop.Clone())
	}
	return p
}

// Len returns the number of properties in the store.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

// Push appends a property. It fails with a *TypeMismatchError, leaving the
// store unchanged, when value does not have the type mandated by id.
func (p *Properties) Push(id PropertyID, value any) error {
	prop, err := NewProperty(id, value)
	if err != nil {
		return err
	}
	p.props = append(p.props, prop)
	return nil
}

// PushProperty appends an already constructed property.
func (p *Properties) PushProperty(prop Property) {
	p.props = append(p.props, prop.Clone())
}

// Set replaces the first property with the given identifier, or appends it
// if none exists.
func (p *Properties) Set(id PropertyID, value any) error {
	prop, err := NewProperty(id, value)
	if err != nil {
		return err
	}
	for i := range p.props {
		if p.props[i].id == id {
			p.props[i] = prop
			return nil
		}
	}
	p.props = append(p.props, prop)
	return nil
}

// Delete removes all properties with the given identifier.
func (p *Properties) Delete(id PropertyID) {
	if p == nil {
		return
	}
	n := 0
	for i := range p.props {
		if p.props[i].id != id {
			p.props[n] = p.props[i]
			n++
		}
	}
	clear(p.props[n:])
	p.props = p.props[:n]
}

// Has reports whether a property with the given identifier exists.
func (p *Properties) Has(id PropertyID) bool {
	_, ok := p.Get(id)
	return ok
}

// Count returns the number of properties with the given identifier.
func (p *Properties) Count(id PropertyID) int {
	n := 0
	for range p.Iter(id) {
		n++
	}
	return n
}

// Get returns the first property with the given identifier.
func (p *Properties) Get(id PropertyID) (Property, bool) {
	return p.GetAt(id, 0)
}

// GetAt returns the n-th (zero based) property with the given identifier.
func (p *Properties) GetAt(id PropertyID, n int) (Property, bool) {
	if n < 0 {
		return Property{}, false
	}
	for prop := range p.Iter(id) {
		if n == 0 {
			return prop, true
		}
		n--
	}
	return Property{}, false
}

// Iter returns the properties with the given identifier in insertion order.
// The sequence can be ranged over any number of times.
func (p *Properties) Iter(id PropertyID) iter.Seq[Property] {
	return func(yield func(Property) bool) {
		if p == nil {
			return
		}
		for _, prop := range p.props {
			if prop.id == id && !yield(prop) {
				return
			}
		}
	}
}

// All returns every property in insertion order.
func (p *Properties) All() iter.Seq[Property] {
	return func(yield func(Property) bool) {
		if p == nil {
			return
		}
		for _, prop := range p.props {
			if !yield(prop) {
				return
			}
		}
	}
}

// FindUserProperty returns the value of the first user property whose key
// equals key.
func (p *Properties) FindUserProperty(key string) (string, bool) {
	for prop := range p.Iter(PropUserProperty) {
		if sp, _ := prop.StringPair(); sp.Key == key {
			return sp.Value, true
		}
	}
	return "", false
}

// UserProperties returns all user properties in insertion order.
func (p *Properties) UserProperties() []StringPair {
	var pairs []StringPair
	for prop := range p.Iter(PropUserProperty) {
		sp, _ := prop.StringPair()
		pairs = append(pairs, sp)
	}
	return pairs
}

// Clone returns a deep copy. The copy never shares binary values with the
// original. Cloning nil returns nil.
func (p *Properties) Clone() *Properties {
	if p == nil {
		return nil
	}
	return NewProperties(p.props...)
}

// Typed getters. Each returns the zero value when the property is absent.

// GetByte returns the byte value of the first property with the given ID.
func (p *Properties) GetByte(id PropertyID) byte {
	prop, _ := p.Get(id)
	v, _ := prop.Byte()
	return v
}

// GetUint16 returns the uint16 value of the first property with the given ID.
func (p *Properties) GetUint16(id PropertyID) uint16 {
	prop, _ := p.Get(id)
	v, _ := prop.Uint16()
	return v
}

// GetUint32 returns the uint32 value of the first property with the given ID.
func (p *Properties) GetUint32(id PropertyID) uint32 {
	prop, _ := p.Get(id)
	v, _ := prop.Uint32()
	return v
}

// GetString returns the string value of the first property with the given ID.
func (p *Properties) GetString(id PropertyID) string {
	prop, _ := p.Get(id)
	v, _ := prop.Str()
	return v
}

// GetBinary returns a copy of the binary value of the first property with the given ID.
func (p *Properties) GetBinary(id PropertyID) []byte {
	prop, _ := p.Get(id)
	v, _ := prop.Binary()
	return v
}

// Equal reports whether both stores hold the same properties in the same order.
func (p *Properties) Equal(other *Properties) bool {
	if p.Len() != other.Len() {
		return false
	}
	for i := 0; i < p.Len(); i++ {
		a, b := p.props[i], other.props[i]
		if a.id != b.id {
			return false
		}
		ab, aBin := a.value.([]byte)
		bb, bBin := b.value.([]byte)
		if aBin || bBin {
			if !aBin || !bBin || !bytes.Equal(ab, bb) {
				return false
			}
			continue
		}
		if a.value != b.value {
			return false
		}
	}
	return true
}
