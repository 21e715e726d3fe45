package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/polyveda/access"
	"github.com/polyveda/access/logger"
	"github.com/polyveda/access/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "explain":
		handleExplain()
	case "check":
		handleCheck()
	case "seed":
		handleSeed()
	case "sweep":
		handleSweep()
	case "report":
		handleReport()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("accessctl - Operator tool for the access decision engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  accessctl convert <input> <output>                     - Convert between formats")
	fmt.Println("  accessctl validate <file>                              - Validate configuration")
	fmt.Println("  accessctl stats <file>                                 - Show configuration statistics")
	fmt.Println("  accessctl explain <file> <identity> <action> [flags]   - Trace one decision")
	fmt.Println("        --resource=type:id --tenant=id --owner=id --ip=addr --at=RFC3339 --redis")
	fmt.Println("  accessctl check <file> <identity> <action> [flags]     - Run compliance rules for an action")
	fmt.Println("        --payload=json --redis")
	fmt.Println("  accessctl seed <file>                                  - Write tenants and identities to SQLite")
	fmt.Println("  accessctl sweep [file]                                 - Delete audit records past retention")
	fmt.Println("  accessctl report <tenant> [--from=RFC3339] [--to=RFC3339] - Summarise a tenant's audit trail")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .toml")
	fmt.Println("Environment: ACCESS_CONFIG, ACCESS_SQLITE_DSN, ACCESS_REDIS_ADDR, ACCESS_LOG_FORMAT and ACCESS_* overrides")
}

func newLogger(rc *access.RuntimeConfig) logger.Logger {
	if rc.LogFormat == "text" {
		return logger.NewSLogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}
	return logger.NewPhusluLogger("accessctl")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func loadConfig(filename string) *access.Config {
	cfg, err := access.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fail("Error applying environment: %v", err)
	}
	return cfg
}

func runtimeConfig() *access.RuntimeConfig {
	rc, err := access.LoadRuntimeConfig()
	if err != nil {
		fail("Error reading environment: %v", err)
	}
	return rc
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: accessctl convert <input> <output>")
	}
	inputFile, outputFile := os.Args[2], os.Args[3]
	cfg, err := access.NewConfigLoader().LoadFile(inputFile)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	if err := cfg.SaveFile(outputFile); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fail("Usage: accessctl validate <file>")
	}
	cfg := loadConfig(os.Args[2])
	if err := cfg.Validate(); err != nil {
		fmt.Println("Invalid configuration:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Printf("  %s\n", line)
		}
		os.Exit(1)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Roles: %d\n", len(cfg.RoleTable()))
	fmt.Printf("  Actions: %d\n", len(cfg.ActionRules()))
	fmt.Printf("  Tenants: %d\n", len(cfg.Tenants))
	fmt.Printf("  Identities: %d\n", len(cfg.Identities))
}

func handleStats() {
	if len(os.Args) < 3 {
		fail("Usage: accessctl stats <file>")
	}
	filename := os.Args[2]
	cfg := loadConfig(filename)
	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	roles := cfg.RoleTable()
	names := make([]string, 0, len(roles))
	for r := range roles {
		names = append(names, string(r))
	}
	sort.Strings(names)
	fmt.Println("Roles:")
	for _, r := range names {
		fmt.Printf("  %-12s %d capabilities\n", r, len(roles[access.Role(r)]))
	}
	fmt.Println()

	rules := cfg.ActionRules()
	gated, windowed, limited := 0, 0, 0
	for _, r := range rules {
		if r.Feature != "" {
			gated++
		}
		if len(r.Windows) > 0 {
			windowed++
		}
		if r.RateClass != "" {
			limited++
		}
	}
	fmt.Println("Actions:")
	fmt.Printf("  Total:          %d\n", len(rules))
	fmt.Printf("  Feature gated:  %d\n", gated)
	fmt.Printf("  Time windowed:  %d\n", windowed)
	fmt.Printf("  Rate classed:   %d\n", limited)
	fmt.Println()

	fmt.Println("Rate limits:")
	classes := make([]string, 0, len(cfg.RateLimits))
	for c := range cfg.RateLimits {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		l := cfg.RateLimits[c]
		fmt.Printf("  %-15s %d per %s\n", c, l.Limit, l.Window())
	}
	fmt.Println()

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Capability cache TTL:  %dms\n", cfg.Engine.CapabilityCacheTTL)
	fmt.Printf("  Store timeout:         %dms\n", cfg.Engine.StoreTimeout)
	fmt.Printf("  Batch worker count:    %d\n", cfg.Engine.BatchWorkerCount)
	fmt.Printf("  Lockout:               %d failures, %s cooldown\n", cfg.Lockout.Threshold, cfg.Lockout.Cooldown())
	fmt.Printf("  Audit retention:       %d days\n", cfg.Audit.RetentionDays)
}

// flagValue returns the value of --name=value among args.
func flagValue(args []string, name string) (string, bool) {
	prefix := "--" + name
	for _, a := range args {
		if a == prefix {
			return "", true
		}
		if v, ok := strings.CutPrefix(a, prefix+"="); ok {
			return v, true
		}
	}
	return "", false
}

func handleExplain() {
	if len(os.Args) < 5 {
		fail("Usage: accessctl explain <file> <identity> <action> [--resource=type:id] [--tenant=id] [--owner=id] [--ip=addr] [--at=RFC3339] [--redis]")
	}
	ctx := context.Background()
	rc := runtimeConfig()
	cfg := loadConfig(os.Args[2])
	flags := os.Args[5:]

	st := access.Stores{
		Identities: stores.NewMemoryIdentityStore(),
		Tenants:    stores.NewMemoryTenantStore(),
		Counters:   stores.NewMemoryCounterStore(),
		Attempts:   stores.NewMemoryAttemptStore(),
		Audit:      stores.NewMemoryAuditStore(),
		Reviews:    stores.NewMemoryReviewQueue(),
	}
	if _, ok := flagValue(flags, "redis"); ok {
		client := redis.NewClient(&redis.Options{Addr: rc.RedisAddr})
		defer client.Close()
		st.Counters = stores.NewRedisCounterStore(client)
		st.Attempts = stores.NewRedisAttemptStore(client)
		st.Cache = stores.NewRedisCapabilityCache(client)
	}

	sys, err := access.NewSystem(cfg, st, access.WithSystemLogger(newLogger(rc)))
	if err != nil {
		fail("Error building engine: %v", err)
	}
	defer sys.Close(ctx)
	if err := sys.Seed(ctx); err != nil {
		fail("Error seeding: %v", err)
	}

	req := &access.ExplainRequest{IdentityID: os.Args[3], Action: os.Args[4]}
	req.Resource, _ = flagValue(flags, "resource")
	req.Tenant, _ = flagValue(flags, "tenant")
	req.OwnerID, _ = flagValue(flags, "owner")
	req.IP, _ = flagValue(flags, "ip")
	req.At, _ = flagValue(flags, "at")

	d, err := sys.Engine.ExplainRequest(ctx, st.Identities, req)
	if d == nil {
		fail("Error: %v", err)
	}
	out, _ := json.MarshalIndent(d, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		fmt.Printf("Store error: %v\n", err)
	}
	if !d.Allowed {
		os.Exit(2)
	}
}

func handleCheck() {
	if len(os.Args) < 5 {
		fail("Usage: accessctl check <file> <identity> <action> [--payload=json] [--redis]")
	}
	ctx := context.Background()
	rc := runtimeConfig()
	cfg := loadConfig(os.Args[2])
	flags := os.Args[5:]

	st := access.Stores{
		Identities: stores.NewMemoryIdentityStore(),
		Tenants:    stores.NewMemoryTenantStore(),
		Counters:   stores.NewMemoryCounterStore(),
		Attempts:   stores.NewMemoryAttemptStore(),
		Audit:      stores.NewMemoryAuditStore(),
		Reviews:    stores.NewMemoryReviewQueue(),
	}
	if _, ok := flagValue(flags, "redis"); ok {
		q := stores.NewAsynqReviewQueue(asynq.RedisClientOpt{Addr: rc.RedisAddr})
		defer q.Close()
		st.Reviews = q
	}
	sys, err := access.NewSystem(cfg, st, access.WithSystemLogger(newLogger(rc)))
	if err != nil {
		fail("Error building engine: %v", err)
	}
	defer sys.Close(ctx)
	if err := sys.Seed(ctx); err != nil {
		fail("Error seeding: %v", err)
	}

	identity, err := st.Identities.GetIdentity(ctx, os.Args[3])
	if err != nil {
		fail("Error: %v", err)
	}
	var tenant *access.Tenant
	if identity.TenantID != "" {
		if tenant, err = st.Tenants.GetTenant(ctx, identity.TenantID); err != nil {
			fail("Error: %v", err)
		}
	}
	var payload map[string]any
	if raw, ok := flagValue(flags, "payload"); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			fail("Invalid payload: %v", err)
		}
	}

	report, err := sys.Evaluator.Check(ctx, tenant, os.Args[4], payload, identity)
	if report != nil {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		fail("Escalation failed: %v", err)
	}
	if !report.Compliant() {
		os.Exit(2)
	}
}

func openSQLite(dsn string) (*squealx.DB, func()) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		fail("Error opening database: %v", err)
	}
	db := squealx.NewDb(sqlDB, "sqlite", "accessctl")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := stores.Migrate(ctx, db); err != nil {
		sqlDB.Close()
		fail("Error migrating database: %v", err)
	}
	return db, func() { sqlDB.Close() }
}

func handleSeed() {
	if len(os.Args) < 3 {
		fail("Usage: accessctl seed <file>")
	}
	ctx := context.Background()
	rc := runtimeConfig()
	cfg := loadConfig(os.Args[2])
	db, closeDB := openSQLite(rc.SQLiteDSN)
	defer closeDB()

	dir := stores.NewSQLDirectoryStore(db)
	st := access.Stores{
		Identities: dir,
		Tenants:    dir,
		Counters:   stores.NewMemoryCounterStore(),
		Attempts:   stores.NewMemoryAttemptStore(),
		Audit:      stores.NewSQLAuditStore(db),
	}
	sys, err := access.NewSystem(cfg, st, access.WithSystemLogger(newLogger(rc)))
	if err != nil {
		fail("Error building engine: %v", err)
	}
	defer sys.Close(ctx)
	if err := sys.Seed(ctx); err != nil {
		fail("Error seeding: %v", err)
	}
	fmt.Printf("Seeded %s\n", rc.SQLiteDSN)
	fmt.Printf("  Tenants: %d\n", len(cfg.Tenants))
	fmt.Printf("  Identities: %d\n", len(cfg.Identities))
}

func handleSweep() {
	ctx := context.Background()
	rc := runtimeConfig()
	file := rc.ConfigFile
	if len(os.Args) > 2 {
		file = os.Args[2]
	}
	cfg := access.NewConfigBuilder().Build()
	if _, err := os.Stat(file); err == nil {
		cfg = loadConfig(file)
	} else if err := cfg.ApplyEnv(); err != nil {
		fail("Error applying environment: %v", err)
	}
	db, closeDB := openSQLite(rc.SQLiteDSN)
	defer closeDB()

	sw, err := access.NewSweeper(stores.NewSQLAuditStore(db),
		access.WithRetention(cfg.Audit.Retention()),
		access.WithSweeperLogger(newLogger(rc)),
	)
	if err != nil {
		fail("Error: %v", err)
	}
	n, err := sw.SweepOnce(ctx)
	if err != nil {
		fail("Sweep failed: %v", err)
	}
	fmt.Printf("Deleted %d audit records older than %s\n", n, sw.Cutoff().Format(time.RFC3339))
}

func handleReport() {
	if len(os.Args) < 3 {
		fail("Usage: accessctl report <tenant> [--from=RFC3339] [--to=RFC3339]")
	}
	ctx := context.Background()
	rc := runtimeConfig()
	flags := os.Args[3:]

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if v, ok := flagValue(flags, "from"); ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail("Invalid --from: %v", err)
		}
		start = t
	}
	if v, ok := flagValue(flags, "to"); ok {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail("Invalid --to: %v", err)
		}
		end = t
	}

	db, closeDB := openSQLite(rc.SQLiteDSN)
	defer closeDB()
	rec := access.NewRecorder(stores.NewSQLAuditStore(db), access.WithRecorderLogger(newLogger(rc)))
	report, err := rec.Report(ctx, os.Args[2], start, end)
	if err != nil {
		fail("Report failed: %v", err)
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}
