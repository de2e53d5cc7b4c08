package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hengadev/medabe"
	"github.com/hengadev/medabe/internal/monitoring"
)

// openEngine loads configuration and builds an engine. Extra options are
// applied after the configured ones.
func openEngine(ctx context.Context, opts ...medabe.Option) (*medabe.Engine, error) {
	cfg, err := medabe.LoadConfig(os.Getenv(medabe.EnvConfigFile))
	if err != nil {
		return nil, err
	}
	return medabe.New(ctx, cfg, opts...)
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func policyCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("policy", out)
	patient := fs.String("patient", "", "Patient id the policy protects")
	org := fs.String("org", "", "Organization id")
	level := fs.String("level", string(medabe.AccessCaregiverProfessional), "Minimum access level")
	categories := fs.String("categories", "", "Comma separated data categories")
	hours := fs.Int("expires", 0, "Expiration in hours, 0 for none")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cats, err := parseCategories(*categories)
	if err != nil {
		return err
	}
	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	p, err := engine.GeneratePolicy(*patient, cats, medabe.AccessLevel(*level), *org, *hours)
	if err != nil {
		return err
	}
	if err := engine.ValidatePolicy(p); err != nil {
		return err
	}
	return writeJSON(out, p)
}

func keygenCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("keygen", out)
	user := fs.String("user", "", "User id")
	org := fs.String("org", "", "Organization id")
	role := fs.String("role", "", "Role of the user")
	patients := fs.String("patients", "", "Comma separated assigned patient ids")
	grant := fs.String("emergency-grant", "", "Issue the key of an emergency grant instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	var key *medabe.UserSecretKey
	if *grant != "" {
		key, err = engine.IssueEmergencyKey(ctx, *grant)
	} else {
		key, err = engine.GenerateUserSecretKey(ctx, *user, *org, medabe.Role(*role), splitList(*patients))
	}
	if err != nil {
		return err
	}
	// key material never leaves the engine process
	return writeJSON(out, map[string]any{
		"user_id":         key.UserID,
		"organization_id": key.OrganizationID,
		"issued_at":       key.IssuedAt,
		"attributes":      key.Attributes(),
	})
}

func migrateCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("migrate", out)
	dryRun := fs.Bool("dry-run", false, "Count eligible records without writing")
	backup := fs.Bool("backup", true, "Save pre-images so the migration can be rolled back")
	batch := fs.Int("batch-size", 0, "Records per batch, 0 for the configured default")
	concurrency := fs.Int("concurrency", 0, "Records encrypted in parallel per batch")
	orgs := fs.String("orgs", "", "Comma separated organization ids to migrate")
	categories := fs.String("categories", "", "Comma separated data categories to encrypt")
	by := fs.String("requested-by", os.Getenv("USER"), "Operator recorded in the audit log")
	wait := fs.Bool("wait", true, "Wait for the job to finish")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cats, err := parseCategories(*categories)
	if err != nil {
		return err
	}
	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	cfg := engine.Config().Migration
	cfg.DryRun = *dryRun
	cfg.CreateBackup = *backup && !*dryRun
	cfg.RequestedBy = *by
	if *batch > 0 {
		cfg.BatchSize = *batch
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if v := splitList(*orgs); len(v) > 0 {
		cfg.OrganizationIDs = v
	}
	if len(cats) > 0 {
		cfg.DataCategories = cats
	}

	id, err := engine.StartMigration(ctx, cfg)
	if err != nil {
		return err
	}
	if !*wait {
		fmt.Fprintf(out, "Migration %s started\n", id)
		return nil
	}

	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintf(out, "Interrupted, cancelling migration %s\n", id)
		if err := engine.CancelMigration(context.WithoutCancel(ctx), id); err != nil {
			return err
		}
		<-done
	}

	job, err := engine.GetMigrationStatus(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	printJobs(out, []*medabe.MigrationJob{job})
	if job.Status == medabe.JobFailed {
		return fmt.Errorf("migration %s failed: %s", job.ID, job.Error)
	}
	return nil
}

func statusCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("status", out)
	asJSON := fs.Bool("json", false, "Print the full job as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	var jobs []*medabe.MigrationJob
	if id := fs.Arg(0); id != "" {
		job, err := engine.GetMigrationStatus(ctx, id)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	} else if jobs, err = engine.ListMigrations(ctx); err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, jobs)
	}
	printJobs(out, jobs)
	return nil
}

func rollbackCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("rollback", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return errors.New("rollback needs a migration id")
	}

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	job, err := engine.RollbackMigration(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Migration %s is %s\n", job.ID, job.Status)
	return nil
}

func cancelCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("cancel", out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := fs.Arg(0)
	if id == "" {
		return errors.New("cancel needs a migration id")
	}

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.CancelMigration(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migration %s cancelled\n", id)
	return nil
}

func healthCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("health", out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	report := engine.HealthReport(ctx)
	if err := writeJSON(out, report); err != nil {
		return err
	}
	if !report.Ready {
		return fmt.Errorf("engine is not ready: %d critical checks failed", report.Summary.CriticalFailed)
	}
	return nil
}

func serveCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("serve", out)
	addr := fs.String("addr", ":9464", "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	metrics := monitoring.NewPrometheusMetricsCollector(nil)
	engine, err := openEngine(ctx, medabe.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer engine.Close()

	mux := http.NewServeMux()
	health := engine.HealthHandler()
	mux.Handle("GET /health", health)
	mux.Handle("GET /health/", health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(out, "Serving health and metrics on %s\n", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func versionCommand(args []string, out io.Writer) error {
	fs := newFlagSet("version", out)
	asJSON := fs.Bool("json", false, "Print build details as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, medabe.FullVersionInfo())
	}
	fmt.Fprintln(out, medabe.VersionInfo())
	fmt.Fprintln(out, "Attribute-based encryption engine for multi-tenant medical records")
	return nil
}

func printJobs(out io.Writer, jobs []*medabe.MigrationJob) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tELIGIBLE\tENCRYPTED\tFAILED\tREMAINING\tBACKUP")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%t\n",
			j.ID, j.Status, j.Stage,
			j.Counts.EligibleRecords, j.Counts.EncryptedRecords, j.Counts.FailedRecords,
			j.RemainingUnencrypted, j.BackupCreated)
	}
	tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseCategories(s string) ([]medabe.DataCategory, error) {
	var out []medabe.DataCategory
	for _, name := range splitList(s) {
		c := medabe.DataCategory(name)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown data category '%s'", name)
		}
		out = append(out, c)
	}
	return out, nil
}
