package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"gopkg.in/yaml.v3"
)

// BindingsFile is the on-disk format of a bindings file:
//
//	bindings:
//	  - label: web
//	    protocol: tcp
//	    prefix: 192.0.2.0/24
//	    port: 443
//	  - label: dns
//	    protocol: any
//	    prefix: 2001:db8::53
//	    port: 53
type BindingsFile struct {
	Bindings []BindingEntry `yaml:"bindings"`
}

// BindingEntry is one binding in a bindings file. Protocol "any" expands to
// a TCP and a UDP binding.
type BindingEntry struct {
	Label    string `yaml:"label"`
	Protocol string `yaml:"protocol"`
	Prefix   string `yaml:"prefix"`
	Port     uint16 `yaml:"port"`
}

// ParseBindings decodes a bindings file.
func ParseBindings(data []byte) (dispatch.Bindings, error) {
	var file BindingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse bindings: %w", err)
	}

	var bindings dispatch.Bindings
	for i, entry := range file.Bindings {
		var protos []dispatch.Protocol
		if strings.EqualFold(entry.Protocol, "any") {
			protos = []dispatch.Protocol{dispatch.TCP, dispatch.UDP}
		} else {
			proto, err := dispatch.ParseProtocol(entry.Protocol)
			if err != nil {
				return nil, fmt.Errorf("binding %d: %w", i, err)
			}
			protos = []dispatch.Protocol{proto}
		}

		for _, proto := range protos {
			b, err := dispatch.NewBinding(entry.Label, proto, entry.Prefix, entry.Port)
			if err != nil {
				return nil, fmt.Errorf("binding %d: %w", i, err)
			}
			bindings = append(bindings, b)
		}
	}
	return bindings, nil
}

// LoadBindingsFile reads and decodes the bindings file at path.
func LoadBindingsFile(path string) (dispatch.Bindings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bindings: %w", err)
	}

	bindings, err := ParseBindings(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return bindings, nil
}
