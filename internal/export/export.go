// Package export writes candidate lists in the formats users download:
// CSV with a fixed header, a free-form line template, and JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// ErrUnknownFormat unsupported export format
var ErrUnknownFormat = errors.New("unknown export format")

// DefaultTemplate one "ip:port" per line.
const DefaultTemplate = "{ip}:{port}"

// Header is the CSV column order.
var Header = []string{
	"ip", "port", "protocol", "status", "latency", "country", "city", "isp", "asn",
	"anonymity", "google_passed", "last_checked", "quality_score", "uptime", "tags", "notes",
}

// Format names accepted by Write.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatTemplate Format = "txt"
	FormatJSON     Format = "json"
)

// ParseFormat accepts csv, txt and json.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatTemplate, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Write dispatches to the writer for format. template is only used by txt.
func Write(w io.Writer, format Format, cands []types.Candidate, template string) error {
	switch format {
	case FormatCSV:
		return CSV(w, cands)
	case FormatTemplate:
		return Template(w, cands, template)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cands)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// CSV writes every candidate, in the given order. An empty list writes nothing.
func CSV(w io.Writer, cands []types.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, c := range cands {
		if err := cw.Write(row(c)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func row(c types.Candidate) []string {
	uptime := "N/A"
	if c.Uptime.Checks > 0 {
		uptime = strconv.FormatFloat(c.Uptime.Ratio()*100, 'f', 2, 64) + "%"
	}
	var latency, google, checked, score string
	if c.LatencyMs != nil {
		latency = strconv.FormatInt(*c.LatencyMs, 10)
	}
	if c.GooglePassed != nil {
		google = strconv.FormatBool(*c.GooglePassed)
	}
	if c.LastChecked != nil {
		checked = c.LastChecked.UTC().Format(time.RFC3339)
	}
	if c.QualityScore != nil {
		score = strconv.Itoa(*c.QualityScore)
	}
	return []string{
		c.Address(),
		strconv.Itoa(c.Port()),
		string(c.Protocol),
		string(c.Status),
		latency,
		deref(c.Country),
		deref(c.City),
		deref(c.ISP),
		deref(c.ASN),
		string(c.Anonymity),
		google,
		checked,
		score,
		uptime,
		strings.Join(c.Tags, ";"),
		deref(c.Notes),
	}
}

// Template writes one line per VALID candidate with {ip} {port} {protocol}
// {country} {score} substituted. An empty template means DefaultTemplate.
func Template(w io.Writer, cands []types.Candidate, template string) error {
	if template == "" {
		template = DefaultTemplate
	}
	first := true
	for _, c := range cands {
		if c.Status != types.StatusValid {
			continue
		}
		score := ""
		if c.QualityScore != nil && *c.QualityScore != 0 {
			score = strconv.Itoa(*c.QualityScore)
		}
		r := strings.NewReplacer(
			"{ip}", c.Address(),
			"{port}", strconv.Itoa(c.Port()),
			"{protocol}", strings.ToLower(string(c.Protocol)),
			"{country}", deref(c.Country),
			"{score}", score,
		)
		line := r.Replace(template)
		if !first {
			line = "\n" + line
		}
		first = false
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
