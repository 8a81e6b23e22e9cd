package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/patchgate"
	"github.com/loykin/patchgate/internal/auth"
	"github.com/loykin/patchgate/internal/patch"
	"github.com/loykin/patchgate/internal/staging"
	"github.com/loykin/patchgate/pkg/client"
)

// command runs the remote subcommands against one agent.
type command struct {
	api *APIFlags
}

func (c command) client() *client.Client {
	cfg := client.Config{
		BaseURL:  c.api.APIUrl,
		Timeout:  c.api.APITimeout,
		Insecure: c.api.Insecure,
		Token:    c.api.APIToken,
	}
	if c.api.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.api.CACert}
	}
	return client.New(cfg)
}

func (c command) printer(cmd *cobra.Command) printer {
	return printer{out: cmd.OutOrStdout(), format: c.api.Output}
}

// bindAPIFlags registers the connection and output flags on cmd and its
// children.
func bindAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.PersistentFlags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "agent URL (e.g. http://host:8080/api)")
	cmd.PersistentFlags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().StringVar(&f.APIToken, "api-token", os.Getenv(patchgate.EnvAPIToken), "bearer token (default $"+patchgate.EnvAPIToken+")")
	cmd.PersistentFlags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.PersistentFlags().StringVar(&f.CACert, "ca-cert", "", "CA bundle to verify the agent (e.g. <tls dir>/tls_ca.crt)")
	cmd.PersistentFlags().StringVarP(&f.Output, "output", "o", outputText, "output format: text, json or yaml")
}

func (c command) Health(ctx context.Context, p printer) error {
	status, err := c.client().Health(ctx)
	if err != nil {
		return err
	}
	if ok, err := p.structured(map[string]string{"status": status}); ok {
		return err
	}
	p.linef("%s %s", okColor.Sprint(status), dimColor.Sprint(c.api.APIUrl))
	return nil
}

func (c command) Status(ctx context.Context, p printer) error {
	st, err := c.client().Status(ctx)
	if err != nil {
		return err
	}
	if ok, err := p.structured(st); ok {
		return err
	}
	running := okColor.Sprint("running")
	if !st.Running {
		running = warnColor.Sprint("stopped")
	}
	paused := okColor
	if st.Paused {
		paused = warnColor
	}
	p.linef("Loop:       %s (iterations %d, interval %gs)", running, st.LoopCount, st.LoopIntervalSeconds)
	p.linef("Paused:     %s", paused.Sprint(yesNo(st.Paused)))
	if st.LastPlan != nil {
		p.linef("Last plan:  %s %s", st.LastPlan.Summary, dimColor.Sprint(st.LastPlan.CreatedAt.Format(time.RFC3339)))
	}
	if st.LastExecution != nil {
		p.linef("Last run:   %s %s", infoColor.Sprint(st.LastExecution.Status), st.LastExecution.Detail)
	}
	if st.LastError != "" {
		p.linef("Last error: %s", failColor.Sprint(st.LastError))
	}
	p.linef("Pending:    %d", len(st.PendingPatches))
	p.linef("Applied:    %d", len(st.AppliedPatches))
	p.linef("Patch dir:  %s", st.PatchDir)
	return nil
}

// SetPaused pauses or resumes the agent's work loop.
func (c command) SetPaused(ctx context.Context, p printer, pause bool) error {
	api := c.client()
	verb := "resumed"
	if pause {
		verb = "paused"
		if err := api.Pause(ctx); err != nil {
			return err
		}
	} else if err := api.Resume(ctx); err != nil {
		return err
	}
	if ok, err := p.structured(map[string]bool{"ok": true, "paused": pause}); ok {
		return err
	}
	p.linef("Agent %s", okColor.Sprint(verb))
	return nil
}

// artifactURI turns a bare path into a file:// URI and leaves URIs alone.
func artifactURI(artifact string) (string, error) {
	if strings.Contains(artifact, "://") {
		return artifact, nil
	}
	abs, err := filepath.Abs(artifact)
	if err != nil {
		return "", fmt.Errorf("resolve artifact path: %w", err)
	}
	return patch.FileURI(abs), nil
}

func (c command) Submit(ctx context.Context, p printer, f SubmitFlags) error {
	uri, err := artifactURI(f.Artifact)
	if err != nil {
		return err
	}
	createdAt := f.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	ack, err := c.client().Submit(ctx, client.SubmitRequest{
		PatchID:       f.PatchID,
		Summary:       f.Summary,
		Author:        f.Author,
		CreatedAt:     createdAt,
		ArtifactURI:   uri,
		TestReportURI: f.TestReportURI,
		Notes:         f.Notes,
	})
	if err != nil {
		return err
	}
	if ok, err := p.structured(ack); ok {
		return err
	}
	p.linef("Patch %s %s", ack.PatchID, infoColor.Sprint(ack.Status))
	return nil
}

func diffStats(ds *client.DiffStats) string {
	if ds == nil {
		return ""
	}
	return fmt.Sprintf("%d file(s) %s %s", ds.Files,
		okColor.Sprintf("+%d", ds.Additions), failColor.Sprintf("-%d", ds.Deletions))
}

func (c command) List(ctx context.Context, p printer) error {
	patches, err := c.client().List(ctx)
	if err != nil {
		return err
	}
	if ok, err := p.structured(patches); ok {
		return err
	}
	if len(patches) == 0 {
		p.linef("No pending patches")
		return nil
	}
	for _, pt := range patches {
		p.linef("%-24s %-16s %s %s", pt.PatchID, pt.Author, pt.Summary, diffStats(pt.DiffStats))
	}
	return nil
}

func (c command) Get(ctx context.Context, p printer, id string) error {
	pt, err := c.client().Get(ctx, id)
	if err != nil {
		return err
	}
	if ok, err := p.structured(pt); ok {
		return err
	}
	p.linef("ID:        %s", pt.PatchID)
	p.linef("Summary:   %s", pt.Summary)
	p.linef("Author:    %s", pt.Author)
	p.linef("Created:   %s", pt.CreatedAt)
	p.linef("Artifact:  %s", pt.ArtifactURI)
	if pt.ArtifactPath != "" {
		p.linef("Local:     %s", pt.ArtifactPath)
	}
	if pt.TestReportURI != "" {
		p.linef("Tests:     %s", pt.TestReportURI)
	}
	if pt.DiffStats != nil {
		p.linef("Diff:      %s", diffStats(pt.DiffStats))
	}
	if pt.Notes != "" {
		p.linef("Notes:\n%s", pt.Notes)
	}
	return nil
}

func (c command) Applied(ctx context.Context, p printer) error {
	applied, err := c.client().Applied(ctx)
	if err != nil {
		return err
	}
	if ok, err := p.structured(applied); ok {
		return err
	}
	if len(applied) == 0 {
		p.linef("No patches applied since the agent started")
		return nil
	}
	for _, ap := range applied {
		p.linef("%s %-24s %s %s", dimColor.Sprint(ap.AppliedAt.Format(time.RFC3339)), ap.PatchID, ap.Summary, diffStats(ap.DiffStats))
	}
	return nil
}

func (c command) Audit(ctx context.Context, p printer) error {
	records, err := c.client().Audit(ctx)
	if err != nil {
		return err
	}
	if ok, err := p.structured(records); ok {
		return err
	}
	for _, r := range records {
		p.linef("%s %-18s %-24s %s", dimColor.Sprint(r.Timestamp.Format(time.RFC3339)),
			statusColor(r.Status).Sprint(r.Status), r.PatchID, r.Detail)
	}
	return nil
}

// printResult renders an apply or rollback outcome. An unsuccessful hook
// becomes a non-nil error so scripts see a failing exit code.
func printResult(p printer, action string, res client.Result) error {
	if ok, err := p.structured(res); ok {
		if err != nil {
			return err
		}
	} else {
		p.linef("Patch %s %s", res.PatchID, statusColor(res.Status).Sprint(res.Status))
		if res.Command != "" {
			p.linef("  command: %s", res.Command)
		}
		if res.Detail != "" {
			p.linef("  detail:  %s", res.Detail)
		}
	}
	if !res.OK {
		return fmt.Errorf("%s %s: %s", action, res.PatchID, res.Status)
	}
	return nil
}

func (c command) Apply(ctx context.Context, p printer, id string) error {
	res, err := c.client().Apply(ctx, id)
	if err != nil {
		return err
	}
	return printResult(p, "apply", res)
}

func (c command) Rollback(ctx context.Context, p printer, id string) error {
	res, err := c.client().Rollback(ctx, id)
	if err != nil {
		return err
	}
	return printResult(p, "rollback", res)
}

// Stage runs the staging worker against the agent.
func (c command) Stage(ctx context.Context, p printer, f StageFlags) error {
	out, err := staging.Run(ctx, c.client(), staging.Options{
		Target:  f.Target,
		PatchID: f.PatchID,
		Author:  f.Author,
		Notes:   f.Notes,
		Resume:  f.Resume,
	})
	if err != nil {
		return err
	}
	if p.text() {
		p.linef("Staged %s from %s", out.PatchID, dimColor.Sprint(out.ArtifactPath))
	}
	return printResult(p, "apply", out.Apply)
}

// HashToken prints the bcrypt hash to put in a token_hash entry.
func HashToken(p printer, token string) error {
	h, err := auth.HashToken(token)
	if err != nil {
		return err
	}
	if ok, err := p.structured(map[string]string{"token_hash": h}); ok {
		return err
	}
	p.linef("%s", h)
	return nil
}
