// Package params implements declarative validation and typed extraction of
// request parameters carried in invocation event bodies. Every handler
// validates its input here before touching any AWS API.
package params

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError reports a missing or malformed request parameter.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Name, e.Reason)
}

// Params wraps a decoded event body for typed extraction.
type Params struct {
	values map[string]any
}

func New(values map[string]any) *Params {
	if values == nil {
		values = map[string]any{}
	}
	return &Params{values: values}
}

func FromJSON(data []byte) (*Params, error) {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode event body: %w", err)
	}
	return New(values), nil
}

// Required returns the named parameter as a non-empty string.
func (p *Params) Required(name string) (string, error) {
	v, ok := p.values[name]
	if !ok {
		return "", &ValidationError{Name: name, Reason: "required parameter is missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Name: name, Reason: fmt.Sprintf("expected a string, got %T", v)}
	}
	if s == "" {
		return "", &ValidationError{Name: name, Reason: "required parameter is empty"}
	}
	return s, nil
}

// Optional returns the named parameter or def when absent or empty.
func (p *Params) Optional(name, def string) string {
	if s, ok := p.values[name].(string); ok && s != "" {
		return s
	}
	return def
}

// Bool returns the named parameter as a bool, accepting JSON booleans and
// their string forms, or def when absent.
func (p *Params) Bool(name string, def bool) bool {
	switch v := p.values[name].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Int returns the named parameter as an int, accepting JSON numbers and
// numeric strings, or def when absent or unparsable.
func (p *Params) Int(name string, def int) int {
	switch v := p.values[name].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// S3Location is a parsed s3://bucket/prefix URI.
type S3Location struct {
	Bucket string
	Prefix string
}

func (l S3Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Prefix
}

// RequiredS3URI extracts and parses the named parameter as an S3 URI.
func (p *Params) RequiredS3URI(name string) (S3Location, error) {
	s, err := p.Required(name)
	if err != nil {
		return S3Location{}, err
	}
	loc, err := ParseS3URI(s)
	if err != nil {
		return S3Location{}, &ValidationError{Name: name, Reason: err.Error()}
	}
	return loc, nil
}

// ParseS3URI parses "s3://bucket/prefix" into its bucket and key prefix.
func ParseS3URI(raw string) (S3Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return S3Location{}, fmt.Errorf("malformed S3 URI %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return S3Location{}, fmt.Errorf("malformed S3 URI %q: scheme must be s3", raw)
	}
	if u.Host == "" {
		return S3Location{}, fmt.Errorf("malformed S3 URI %q: missing bucket", raw)
	}
	return S3Location{
		Bucket: u.Host,
		Prefix: strings.TrimPrefix(u.Path, "/"),
	}, nil
}
