// Package credential resolves credential references to secret material and
// renders them into the final outbound form an AuthSpec requires.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mcpgate/gateway/internal/domain/upstream"
)

// Scheme is the closed set of credential reference URI schemes.
type Scheme string

const (
	SchemeEnv   Scheme = "env"
	SchemeFile  Scheme = "file"
	SchemeVault Scheme = "vault"
)

// ErrUnresolved is returned (wrapped) whenever a credential reference could
// not be read or has no supported scheme.
var ErrUnresolved = errors.New("credential_unresolved")

// ErrVaultUnimplemented documents the deliberately unimplemented vault://
// scheme: recognized, never resolved.
var ErrVaultUnimplemented = fmt.Errorf("%w: vault credential resolution not implemented", ErrUnresolved)

// ParseRef splits a "scheme://value" credential reference.
func ParseRef(ref string) (Scheme, string, error) {
	idx := strings.Index(ref, "://")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q is not a scheme://value reference", ErrUnresolved, ref)
	}
	return Scheme(ref[:idx]), ref[idx+3:], nil
}

// Resolver resolves credential_ref URIs to secret material at request time.
type Resolver struct {
	// ReadFile allows tests to stub file access; defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

// NewResolver builds a Resolver backed by the real environment and filesystem.
func NewResolver() *Resolver {
	return &Resolver{ReadFile: os.ReadFile}
}

// Resolve returns the raw secret value referenced by ref.
func (r *Resolver) Resolve(ref string) (string, error) {
	scheme, value, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	switch scheme {
	case SchemeEnv:
		v, ok := os.LookupEnv(value)
		if !ok {
			return "", fmt.Errorf("%w: env var %q is not set", ErrUnresolved, value)
		}
		return v, nil
	case SchemeFile:
		readFile := r.ReadFile
		if readFile == nil {
			readFile = os.ReadFile
		}
		data, err := readFile(value)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		return strings.TrimRight(string(data), "\n"), nil
	case SchemeVault:
		return "", ErrVaultUnimplemented
	default:
		return "", fmt.Errorf("%w: unknown credential scheme %q", ErrUnresolved, scheme)
	}
}

// Material is the fully resolved, formatted credential ready for injection.
type Material struct {
	Location upstream.AuthLocation
	Name     string
	Value    string
}

// ResolveAuthSpec resolves and formats the credential described by spec,
// producing the final string to place at spec.Location/spec.Name.
func (r *Resolver) ResolveAuthSpec(spec *upstream.AuthSpec) (*Material, error) {
	if spec == nil || spec.Method == upstream.AuthMethodNone {
		return nil, nil
	}

	var raw string
	switch {
	case spec.CredentialRef != "":
		v, err := r.Resolve(spec.CredentialRef)
		if err != nil {
			return nil, err
		}
		raw = v
	case spec.CredentialValue != "":
		raw = spec.CredentialValue
	default:
		return nil, fmt.Errorf("%w: auth spec has neither credential_ref nor credential_value", ErrUnresolved)
	}

	var formatted string
	switch spec.Format {
	case upstream.AuthFormatPrefix:
		formatted = spec.Prefix + raw
	case upstream.AuthFormatTemplate:
		formatted = strings.ReplaceAll(spec.Template, "{credential}", raw)
	case upstream.AuthFormatRaw, "":
		formatted = raw
	default:
		return nil, fmt.Errorf("unknown auth format %q", spec.Format)
	}

	return &Material{Location: spec.Location, Name: spec.Name, Value: formatted}, nil
}
