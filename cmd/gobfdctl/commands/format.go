// Package commands implements the gobfdctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// session mirrors the JSON shape served at the daemon's /debug/sessions
// endpoint (see cmd/gobfd's sessionSummary).
type session struct {
	LocalAddr       string `json:"local_addr"`
	RemoteAddr      string `json:"remote_addr"`
	Interface       string `json:"interface"`
	LocalDiscr      uint32 `json:"local_discriminator"`
	RemoteDiscr     uint32 `json:"remote_discriminator"`
	State           string `json:"state"`
	RemoteState     string `json:"remote_state"`
	Diagnostic      string `json:"diagnostic"`
	DetectMult      uint8  `json:"detect_multiplier"`
	TxIntervalUs    uint32 `json:"tx_interval_us"`
	DetectTimeUs    uint32 `json:"detect_time_us"`
	Demand          bool   `json:"demand"`
	Passive         bool   `json:"passive"`
	UptimeSeconds   int64  `json:"uptime_seconds,omitempty"`
	ReceivedPackets uint64 `json:"received_packets"`
}

// formatSessions renders a slice of BFD sessions in the requested format.
func formatSessions(sessions []session, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionsJSON(sessions)
	case formatTable:
		return formatSessionsTable(sessions), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single BFD session in the requested format.
func formatSession(s session, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionJSON(s)
	case formatTable:
		return formatSessionDetail(s), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatSessionsTable(sessions []session) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DISCRIMINATOR\tPEER\tLOCAL\tIFACE\tSTATE\tREMOTE-STATE\tDIAG")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.LocalDiscr, s.RemoteAddr, s.LocalAddr, s.Interface,
			s.State, s.RemoteState, s.Diagnostic,
		)
	}

	w.Flush() //nolint:errcheck // writes to an in-memory strings.Builder, which never fails

	return buf.String()
}

func formatSessionDetail(s session) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Peer Address:\t%s\n", s.RemoteAddr)
	fmt.Fprintf(w, "Local Address:\t%s\n", s.LocalAddr)
	fmt.Fprintf(w, "Interface:\t%s\n", s.Interface)
	fmt.Fprintf(w, "Local State:\t%s\n", s.State)
	fmt.Fprintf(w, "Remote State:\t%s\n", s.RemoteState)
	fmt.Fprintf(w, "Diagnostic:\t%s\n", s.Diagnostic)
	fmt.Fprintf(w, "Local Discriminator:\t%d\n", s.LocalDiscr)
	fmt.Fprintf(w, "Remote Discriminator:\t%d\n", s.RemoteDiscr)
	fmt.Fprintf(w, "Detect Multiplier:\t%d\n", s.DetectMult)
	fmt.Fprintf(w, "TX Interval:\t%dus\n", s.TxIntervalUs)
	fmt.Fprintf(w, "Detection Time:\t%dus\n", s.DetectTimeUs)
	fmt.Fprintf(w, "Demand Mode:\t%t\n", s.Demand)
	fmt.Fprintf(w, "Passive:\t%t\n", s.Passive)

	if s.UptimeSeconds > 0 {
		fmt.Fprintf(w, "Uptime:\t%ds\n", s.UptimeSeconds)
	}

	fmt.Fprintf(w, "Packets Received:\t%d\n", s.ReceivedPackets)

	w.Flush() //nolint:errcheck // writes to an in-memory strings.Builder, which never fails

	return buf.String()
}

// --- JSON formatters ---

func formatSessionsJSON(sessions []session) (string, error) {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sessions to JSON: %w", err)
	}

	return string(data), nil
}

func formatSessionJSON(s session) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session to JSON: %w", err)
	}

	return string(data), nil
}
