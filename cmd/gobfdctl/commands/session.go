package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

// errSessionNotFound is returned when a session lookup matches nothing.
var errSessionNotFound = errors.New("session not found")

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect BFD sessions",
		Long:  "Sessions are managed through the daemon's configuration file (and SIGHUP reload); this command only reports state.",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all BFD sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := fetchSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <peer-address-or-discriminator>",
		Short: "Show details of a BFD session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := fetchSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			s, err := findSession(sessions, args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			out, err := formatSession(s, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// findSession matches the identifier argument against a numeric local
// discriminator first, then falls back to a peer address comparison.
func findSession(sessions []session, identifier string) (session, error) {
	if discr, err := strconv.ParseUint(identifier, 10, 32); err == nil {
		for _, s := range sessions {
			if uint64(s.LocalDiscr) == discr {
				return s, nil
			}
		}
	}

	for _, s := range sessions {
		if s.RemoteAddr == identifier {
			return s, nil
		}
	}

	return session{}, fmt.Errorf("%w: %q", errSessionNotFound, identifier)
}

// fetchSessions retrieves the current session list from the daemon's
// debug HTTP endpoint.
func fetchSessions(ctx context.Context) ([]session, error) {
	url := "http://" + serverAddr + "/debug/sessions"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request %s: unexpected status %s", url, resp.Status)
	}

	var sessions []session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", url, err)
	}

	return sessions, nil
}
