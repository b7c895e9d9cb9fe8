package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/domain/documents"
	"github.com/priorauth/priorauth/internal/extraction"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/session"
)

// withApp builds the app, runs fn and tears the app down. Notifications
// raised while fn ran have already been logged by the notification manager.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.notes.Drain()
	a.sessions.Start(ctx)
	return fn(ctx, a)
}

// readPassword takes the password from the flag, or else the first line of
// stdin so it can be piped in.
func readPassword(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("password"); p != "" {
		return p, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", apperr.Validation("priorauth.login", "password is required", nil)
	}
	return line, nil
}

// -- session commands -------------------------------------------------------

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and keep the session for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.sessions.SignIn(ctx, email, password); err != nil {
					return err
				}
				printWhoami(cmd.OutOrStdout(), a.sessions.State())
				return nil
			})
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password (read from stdin when omitted)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func signupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			name, _ := cmd.Flags().GetString("name")
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				err := a.sessions.SignUp(ctx, email, password, name)
				if errors.Is(err, session.ErrConfirmationRequired) {
					fmt.Fprintln(cmd.OutOrStdout(), "Account created. Check your email to confirm it, then run `priorauth login`.")
					return nil
				}
				if err != nil {
					return err
				}
				printWhoami(cmd.OutOrStdout(), a.sessions.State())
				return nil
			})
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("name", "", "Full name shown on generated letters")
	cmd.Flags().String("password", "", "Account password (read from stdin when omitted)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.sessions.SignOut(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				printWhoami(cmd.OutOrStdout(), a.sessions.State())
				return nil
			})
		},
	}
}

func printWhoami(w io.Writer, st session.State) {
	if !st.Authenticated || st.Session == nil {
		fmt.Fprintln(w, "Not signed in.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "User ID\t%s\n", st.Session.User.ID)
	fmt.Fprintf(tw, "Email\t%s\n", st.Session.User.Email)
	if st.Profile != nil {
		fmt.Fprintf(tw, "Name\t%s\n", st.Profile.DisplayName())
		fmt.Fprintf(tw, "Role\t%s\n", st.Profile.Role)
	}
	fmt.Fprintf(tw, "Session expires\t%s\n", st.Session.ExpiresAt.Local().Format(time.RFC1123))
	tw.Flush()
}

// -- requests ---------------------------------------------------------------

func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Manage authorization requests",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your authorization requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			query, _ := cmd.Flags().GetString("search")
			asJSON, _ := cmd.Flags().GetBool("json")
			filter := authrequest.Status(strings.ToUpper(status))
			if status != "" && !filter.Valid() {
				return apperr.Validation("priorauth.requests.list", "unknown status "+status, nil)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(); err != nil {
					return err
				}
				snap := a.store.List(ctx)
				if snap.Err != nil {
					return snap.Err
				}
				out := authrequest.Filter{Status: filter, Query: query}.Apply(snap.Requests)
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				printRequests(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	listCmd.Flags().String("status", "", "Only show requests with this status")
	listCmd.Flags().StringP("search", "q", "", "Match patient name, procedure code or diagnosis code")
	listCmd.Flags().Bool("json", false, "Print JSON")
	cmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(); err != nil {
					return err
				}
				req, err := a.store.Get(ctx, id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), req)
			})
		},
	}
	cmd.AddCommand(showCmd)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a new request from a JSON file",
		Long: "Reads the request fields (patient_name, patient_id, procedure_code, procedure_description,\n" +
			"diagnosis_code, diagnosis_description, medical_justification, priority, payer_name, payer_id)\n" +
			"as JSON from --file, or stdin when --file is \"-\".",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			in, err := readCreateInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			attach, _ := cmd.Flags().GetStringSlice("attach")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.requireSession()
				if err != nil {
					return err
				}
				req, err := a.store.Create(ctx, in)
				if err != nil {
					return err
				}
				if len(attach) > 0 {
					if err := attachFiles(ctx, a, st, req.ID, attach); err != nil {
						a.logger.Warn().Err(err).Str("request_id", req.ID.String()).Msg("attaching documents")
					}
				}
				return writeJSON(cmd.OutOrStdout(), req)
			})
		},
	}
	createCmd.Flags().String("file", "-", "JSON file with the request fields")
	createCmd.Flags().StringSlice("attach", nil, "Source documents to archive with the request")
	cmd.AddCommand(createCmd)

	updateCmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a request's status or medical justification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			in, err := updateInputFromFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(); err != nil {
					return err
				}
				req, err := a.store.Update(ctx, id, in)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), req)
			})
		},
	}
	updateCmd.Flags().String("status", "", "New status (PENDING, APPROVED, DENIED, ADDITIONAL_INFO_REQUIRED)")
	updateCmd.Flags().String("justification", "", "New medical justification")
	cmd.AddCommand(updateCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(); err != nil {
					return err
				}
				if err := a.store.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				return nil
			})
		},
	}
	cmd.AddCommand(deleteCmd)

	return cmd
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, apperr.Validation("priorauth", "request id must be a UUID", err)
	}
	return id, nil
}

func printRequests(w io.Writer, reqs []*authrequest.Request) {
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No authorization requests.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATIENT\tPROCEDURE\tPRIORITY\tSTATUS\tSUBMITTED")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.PatientName, r.ProcedureCode, r.Priority, r.Status.Label(),
			r.SubmittedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readCreateInput(stdin io.Reader, path string) (*authrequest.CreateInput, error) {
	r := stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var in authrequest.CreateInput
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, apperr.Validation("priorauth.requests.create", "invalid request JSON: "+err.Error(), err)
	}
	if in.Priority == "" {
		in.Priority = authrequest.PriorityStandard
	}
	return &in, nil
}

func updateInputFromFlags(cmd *cobra.Command) (*authrequest.UpdateInput, error) {
	in := &authrequest.UpdateInput{}
	if cmd.Flags().Changed("status") {
		raw, _ := cmd.Flags().GetString("status")
		s := authrequest.Status(strings.ToUpper(raw))
		if !s.Valid() {
			return nil, apperr.Validation("priorauth.requests.update", "unknown status "+raw, nil)
		}
		in.Status = &s
	}
	if cmd.Flags().Changed("justification") {
		j, _ := cmd.Flags().GetString("justification")
		in.MedicalJustification = &j
	}
	if in.Empty() {
		return nil, apperr.Validation("priorauth.requests.update", "nothing to update: pass --status or --justification", nil)
	}
	return in, nil
}

// attachFiles archives local files with a submitted request by staging them
// under a fresh draft and promoting that draft.
func attachFiles(ctx context.Context, a *app, st *session.State, requestID uuid.UUID, paths []string) error {
	providerID, err := uuid.Parse(st.Session.User.ID)
	if err != nil {
		return err
	}
	files, closeAll, err := openFiles(paths)
	if err != nil {
		return err
	}
	defer closeAll()

	staged := make([]documents.File, len(files))
	for i, f := range files {
		staged[i] = documents.File{Name: f.Name, ContentType: f.ContentType, Content: f.Content}
	}
	draft := uuid.NewString()
	if _, err := a.archive.Stage(ctx, providerID, draft, staged); err != nil {
		return err
	}
	_, err = a.archive.Promote(ctx, providerID, draft, requestID)
	return err
}

// -- extraction and generation ----------------------------------------------

func openFiles(paths []string) ([]extraction.File, func(), error) {
	var files []extraction.File
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, f)
		files = append(files, extraction.File{
			Name:        filepath.Base(p),
			ContentType: contentTypeFor(p),
			Content:     f,
		})
	}
	return files, closeAll, nil
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".txt":
		return "text/plain"
	}
	return "application/octet-stream"
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract FILE...",
		Short: "Extract request fields from source documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, closeAll, err := openFiles(args)
			if err != nil {
				return err
			}
			defer closeAll()
			return withApp(cmd, func(ctx context.Context, a *app) error {
				data, err := a.extractor.Extract(ctx, files)
				if err != nil {
					return err
				}
				var in authrequest.CreateInput
				missing := data.ApplyTo(&in)
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"form":           in,
					"missing_fields": missing,
					"extraction":     data,
				})
			})
		},
	}
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Draft text with the generation functions",
	}

	justCmd := &cobra.Command{
		Use:   "justification",
		Short: "Draft a medical justification",
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, _ := cmd.Flags().GetString("procedure")
			diag, _ := cmd.Flags().GetString("diagnosis")
			if strings.TrimSpace(proc) == "" || strings.TrimSpace(diag) == "" {
				return apperr.Validation("priorauth.generate", "Procedure and diagnosis descriptions are required", nil)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.requireSession(); err != nil {
					return err
				}
				text, err := a.generator.GenerateJustification(ctx, proc, diag)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	justCmd.Flags().String("procedure", "", "Procedure description")
	justCmd.Flags().String("diagnosis", "", "Diagnosis description")
	cmd.AddCommand(justCmd)

	appealCmd := &cobra.Command{
		Use:   "appeal ID",
		Short: "Draft an appeal letter for a denied request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.requireSession()
				if err != nil {
					return err
				}
				req, err := a.store.Get(ctx, id)
				if err != nil {
					return err
				}
				if req.Status != authrequest.StatusDenied {
					return apperr.Conflict("priorauth.generate", "only denied requests can be appealed")
				}
				name := st.Profile.DisplayName()
				if name == "" {
					name = st.Session.User.Email
				}
				text, err := a.generator.GenerateAppeal(ctx, id, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	cmd.AddCommand(appealCmd)

	return cmd
}
