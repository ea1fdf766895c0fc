package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type clientFactory func() (*client, error)

type versionRecord struct {
	Number    int       `json:"version"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Content   string    `json:"content"`
}

type lockSession struct {
	Holder      string    `json:"holder"`
	LeaseExpiry time.Time `json:"leaseExpiry"`
}

func newLoginCmd(clientFn clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "login <name>",
		Short: "Start a session and print its bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFn()
			if err != nil {
				return err
			}
			var out struct {
				Token     string    `json:"token"`
				UserID    string    `json:"userId"`
				ExpiresAt time.Time `json:"expiresAt"`
			}
			body := map[string]string{"name": args[0]}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/session/login", nil, body, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "user %s, expires %s\n", out.UserID, out.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newVersionsCmd(clientFn clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <document-id>",
		Short: "List the committed versions of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFn()
			if err != nil {
				return err
			}
			var out struct {
				Versions []versionRecord `json:"versions"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/documents/"+url.PathEscape(args[0])+"/versions", nil, nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, rec := range out.Versions {
				fmt.Fprintf(w, "v%d\t%s\t%s\t%d bytes\n", rec.Number, rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Author, len(rec.Content))
			}
			return nil
		},
	}
}

func newDiffCmd(clientFn clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <document-id> <from> <to>",
		Short: "Show the line diff between two versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid from version %q", args[1])
			}
			to, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid to version %q", args[2])
			}
			c, err := clientFn()
			if err != nil {
				return err
			}
			query := url.Values{}
			query.Set("from", strconv.Itoa(from))
			query.Set("to", strconv.Itoa(to))
			var out struct {
				Diff   string `json:"diff"`
				Source string `json:"source"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/documents/"+url.PathEscape(args[0])+"/diff", query, nil, &out); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out.Diff)
			return nil
		},
	}
}

func newTakeoverCmd(clientFn clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "takeover <document-id>",
		Short: "Force-acquire the editing session of a document",
		Long: `takeover evicts whoever holds the editing session and hands it to the
caller. It needs admin rights on the document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFn()
			if err != nil {
				return err
			}
			var out struct {
				Lock           lockSession `json:"lock"`
				PreviousHolder string      `json:"previousHolder"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/documents/"+url.PathEscape(args[0])+"/lock/takeover", nil, nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out.PreviousHolder != "" {
				fmt.Fprintf(w, "evicted %s\n", out.PreviousHolder)
			}
			fmt.Fprintf(w, "session held by %s until %s\n", out.Lock.Holder, out.Lock.LeaseExpiry.Format(time.RFC3339))
			return nil
		},
	}
}
