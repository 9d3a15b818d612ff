// abi.go: binary contract shared by the host and native plugin libraries
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"fmt"
	"strconv"
	"strings"
)

// ABIVersion is the only contract version this host speaks. Every exported
// symbol carries it as a "_v<N>" suffix and every vtable reports it in its
// first field.
const ABIVersion uint32 = 1

// maxProbedABIVersion bounds the search for newer contract versions when a
// library exports nothing for ABIVersion.
const maxProbedABIVersion uint32 = 9

const (
	symbolPrefixAggregateMaker   = "plugin_register_all_"
	symbolPrefixAggregateUnmaker = "plugin_unregister_all_"
	symbolPrefixCounter          = "plugin_unmaker_counter_"
	symbolPrefixMaker            = "plugin_register_"
	symbolPrefixUnmaker          = "plugin_unregister_"
)

// Capability names a capability contract, such as "Greeter". Capability and
// implementation type names are identifiers without underscores so that the
// symbol names built from them can be parsed back unambiguously.
type Capability string

// CapabilityGreeter is the greeting capability used by the bundled typed
// wrappers (see GreeterVTable and GreeterProxy).
const CapabilityGreeter Capability = "Greeter"

func (c Capability) String() string {
	return string(c)
}

// Validate checks that the capability can be embedded in a symbol name.
func (c Capability) Validate() error {
	return validateIdentifier(string(c))
}

func validateIdentifier(name string) error {
	if name == "" {
		return NewInvalidCapabilityError(name)
	}
	for i, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if i == 0 && !isLetter {
			return NewInvalidCapabilityError(name)
		}
		if !isLetter && !isDigit {
			return NewInvalidCapabilityError(name)
		}
	}
	return nil
}

// SymbolRole identifies what an exported symbol does.
type SymbolRole int

const (
	RoleMaker SymbolRole = iota
	RoleUnmaker
	RoleAggregateMaker
	RoleAggregateUnmaker
	RoleCounter
	RoleLegacyMaker
	RoleLegacyUnmaker
)

func (r SymbolRole) String() string {
	switch r {
	case RoleMaker:
		return "maker"
	case RoleUnmaker:
		return "unmaker"
	case RoleAggregateMaker:
		return "aggregate_maker"
	case RoleAggregateUnmaker:
		return "aggregate_unmaker"
	case RoleCounter:
		return "counter"
	case RoleLegacyMaker:
		return "legacy_maker"
	case RoleLegacyUnmaker:
		return "legacy_unmaker"
	default:
		return "unknown"
	}
}

// SymbolInfo is the decoded form of an exported symbol name.
type SymbolInfo struct {
	Role       SymbolRole
	Capability Capability
	TypeName   string // empty unless Role is RoleMaker or RoleUnmaker
	Version    uint32
}

// Name renders the symbol name described by info.
func (info SymbolInfo) Name() string {
	suffix := "_v" + strconv.FormatUint(uint64(info.Version), 10)
	c := info.Capability.String()
	switch info.Role {
	case RoleMaker:
		return symbolPrefixMaker + c + "_" + info.TypeName + suffix
	case RoleUnmaker:
		return symbolPrefixUnmaker + c + "_" + info.TypeName + suffix
	case RoleAggregateMaker:
		return symbolPrefixAggregateMaker + c + suffix
	case RoleAggregateUnmaker:
		return symbolPrefixAggregateUnmaker + c + suffix
	case RoleCounter:
		return symbolPrefixCounter + c + suffix
	case RoleLegacyMaker:
		return symbolPrefixMaker + c + suffix
	case RoleLegacyUnmaker:
		return symbolPrefixUnmaker + c + suffix
	default:
		return ""
	}
}

// MakerSymbol returns plugin_register_<Cap>_<Type>_v1.
func MakerSymbol(c Capability, typeName string) string {
	return SymbolInfo{Role: RoleMaker, Capability: c, TypeName: typeName, Version: ABIVersion}.Name()
}

// UnmakerSymbol returns plugin_unregister_<Cap>_<Type>_v1.
func UnmakerSymbol(c Capability, typeName string) string {
	return SymbolInfo{Role: RoleUnmaker, Capability: c, TypeName: typeName, Version: ABIVersion}.Name()
}

// AggregateMakerSymbol returns plugin_register_all_<Cap>_v1.
func AggregateMakerSymbol(c Capability) string {
	return SymbolInfo{Role: RoleAggregateMaker, Capability: c, Version: ABIVersion}.Name()
}

// AggregateUnmakerSymbol returns plugin_unregister_all_<Cap>_v1.
func AggregateUnmakerSymbol(c Capability) string {
	return SymbolInfo{Role: RoleAggregateUnmaker, Capability: c, Version: ABIVersion}.Name()
}

// CounterSymbol returns plugin_unmaker_counter_<Cap>_v1.
func CounterSymbol(c Capability) string {
	return SymbolInfo{Role: RoleCounter, Capability: c, Version: ABIVersion}.Name()
}

// LegacyMakerSymbol returns the untyped plugin_register_<Cap>_v1 exported by
// single-implementation plugins.
func LegacyMakerSymbol(c Capability) string {
	return SymbolInfo{Role: RoleLegacyMaker, Capability: c, Version: ABIVersion}.Name()
}

// LegacyUnmakerSymbol returns plugin_unregister_<Cap>_v1.
func LegacyUnmakerSymbol(c Capability) string {
	return SymbolInfo{Role: RoleLegacyUnmaker, Capability: c, Version: ABIVersion}.Name()
}

// ParseSymbol decodes an exported symbol name.
func ParseSymbol(name string) (SymbolInfo, error) {
	body, version, ok := splitVersion(name)
	if !ok {
		return SymbolInfo{}, fmt.Errorf("symbol %q has no version suffix", name)
	}

	// Longer prefixes first: plugin_register_all_ also starts with plugin_register_.
	single := []struct {
		prefix string
		role   SymbolRole
	}{
		{symbolPrefixAggregateMaker, RoleAggregateMaker},
		{symbolPrefixAggregateUnmaker, RoleAggregateUnmaker},
		{symbolPrefixCounter, RoleCounter},
	}
	for _, p := range single {
		rest, found := strings.CutPrefix(body, p.prefix)
		if !found || validateIdentifier(rest) != nil {
			continue
		}
		return SymbolInfo{Role: p.role, Capability: Capability(rest), Version: version}, nil
	}

	typed := []struct {
		prefix string
		role   SymbolRole
		legacy SymbolRole
	}{
		{symbolPrefixMaker, RoleMaker, RoleLegacyMaker},
		{symbolPrefixUnmaker, RoleUnmaker, RoleLegacyUnmaker},
	}
	for _, p := range typed {
		rest, found := strings.CutPrefix(body, p.prefix)
		if !found {
			continue
		}
		parts := strings.Split(rest, "_")
		switch {
		case len(parts) == 1 && validateIdentifier(parts[0]) == nil:
			return SymbolInfo{Role: p.legacy, Capability: Capability(parts[0]), Version: version}, nil
		case len(parts) == 2 && validateIdentifier(parts[0]) == nil && validateIdentifier(parts[1]) == nil:
			return SymbolInfo{Role: p.role, Capability: Capability(parts[0]), TypeName: parts[1], Version: version}, nil
		}
	}
	return SymbolInfo{}, fmt.Errorf("symbol %q is not a plugin symbol", name)
}

func splitVersion(name string) (string, uint32, bool) {
	idx := strings.LastIndex(name, "_v")
	if idx <= 0 {
		return "", 0, false
	}
	v, err := strconv.ParseUint(name[idx+2:], 10, 32)
	if err != nil || v == 0 {
		return "", 0, false
	}
	return name[:idx], uint32(v), true
}

// makerCandidates lists, in resolution order, the single-registration makers
// tried when a library has no aggregate maker.
func makerCandidates(c Capability, typeNames []string, version uint32) []SymbolInfo {
	out := make([]SymbolInfo, 0, len(typeNames)+1)
	for _, t := range typeNames {
		out = append(out, SymbolInfo{Role: RoleMaker, Capability: c, TypeName: t, Version: version})
	}
	return append(out, SymbolInfo{Role: RoleLegacyMaker, Capability: c, Version: version})
}

// entrySymbols lists every maker a library may export for c at version.
func entrySymbols(c Capability, typeNames []string, version uint32) []string {
	names := []string{SymbolInfo{Role: RoleAggregateMaker, Capability: c, Version: version}.Name()}
	for _, info := range makerCandidates(c, typeNames, version) {
		names = append(names, info.Name())
	}
	return names
}
