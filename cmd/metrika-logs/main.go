package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	// drivers du sink SQL, choisis par sink.driver dans config.yaml
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"metrika-logs/config"
	"metrika-logs/logging"
	"metrika-logs/metrika"
	"metrika-logs/report"
	"metrika-logs/sink"
	"metrika-logs/utils"
)

func main() {
	var (
		configFile string
		from, to   string
		source     string
		fieldsCSV  string
		fieldsFile string
		format     string
		out        string
		counterID  int64
	)

	flag.StringVar(&configFile, "config", "config.yaml", "Config file path, relative to project root")
	flag.StringVar(&from, "from", "", "Start date YYYY-MM-DD (required)")
	flag.StringVar(&to, "to", "", "End date YYYY-MM-DD (required)")
	flag.StringVar(&source, "source", "visits", "Report source: visits|hits")
	flag.StringVar(&fieldsCSV, "fields", "", "Comma separated list of Logs API fields")
	flag.StringVar(&fieldsFile, "fields-file", "", "File with one Logs API field per line")
	flag.StringVar(&format, "format", "csv", "Output: csv|xlsx|sql")
	flag.StringVar(&out, "out", "", "Output file path (csv/xlsx)")
	flag.Int64Var(&counterID, "counter", 0, "Counter id (overrides config)")
	flag.Parse()

	godotenv.Load()
	utils.LogToFile("metrika-logs.log")

	if from == "" || to == "" {
		fmt.Println("Usage : metrika-logs --from YYYY-MM-DD --to YYYY-MM-DD --fields a,b,c")
		os.Exit(1)
	}
	dateStart, err := time.Parse(metrika.DateFormat, from)
	if err != nil {
		log.Fatalf("Bad --from date: %v", err)
	}
	dateEnd, err := time.Parse(metrika.DateFormat, to)
	if err != nil {
		log.Fatalf("Bad --to date: %v", err)
	}
	src := metrika.Source(source)
	if src != metrika.SourceVisits && src != metrika.SourceHits {
		log.Fatalf("Unknown source %q, want visits or hits", source)
	}

	fields := splitFields(fieldsCSV)
	if fieldsFile != "" {
		lines, err := utils.ReadLines(fieldsFile)
		if err != nil {
			log.Fatalf("Failed reading %s: %v", fieldsFile, err)
		}
		fields = append(fields, lines...)
	}
	if len(fields) == 0 {
		log.Fatalf("No fields given, use --fields or --fields-file")
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed %s: %v", configFile, err)
	}
	if counterID == 0 {
		counterID = cfg.API.CounterID
	}
	if counterID == 0 {
		log.Fatalf("No counter id, set api.counter_id or --counter")
	}

	client := metrika.NewClient(counterID, loadToken(cfg))
	defer client.Close()
	if cfg.API.HostURL != "" {
		client.HostURL = cfg.API.HostURL
	}

	reportLogger := logging.NewLoggerOrDie(cfg.LogDir, "report.log")
	defer reportLogger.Close()
	session := report.NewSession(client, reportLogger, pollConfig(cfg.Poll))

	headers := make([]string, 0, len(fields))
	tmp := metrika.NewLogRequest(dateStart, dateEnd, src, fields)
	for _, f := range tmp.SortedFields() {
		headers = append(headers, metrika.CleanFieldName(f))
	}
	target, err := openSink(cfg, format, out, headers)
	if err != nil {
		log.Fatalf("Failed opening %s sink: %v", format, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = session.DownloadReport(ctx, dateStart, dateEnd, src, fields, target.Write)
	if cerr := target.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("Report failed: %v", err)
	}
	fmt.Printf("Done: %d rows, %d bytes transferred\n", session.RowsLoaded(), session.BytesLoaded())
}

func splitFields(s string) []string {
	var fields []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func loadToken(cfg *config.Config) string {
	env := cfg.API.TokenEnv
	if env == "" {
		env = "METRIKA_TOKEN"
	}
	if token := os.Getenv(env); token != "" {
		return token
	}
	token, err := utils.PromptToken()
	if err != nil {
		log.Fatalf("Failed reading token: %v", err)
	}
	return token
}

func pollConfig(p config.PollConfig) report.Config {
	cfg := report.DefaultConfig()
	if p.MaxAttempts > 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	if p.TransportAttempts > 0 {
		cfg.TransportAttempts = p.TransportAttempts
	}
	if p.WaitMinSeconds > 0 {
		cfg.WaitMin = time.Duration(p.WaitMinSeconds) * time.Second
	}
	if p.WaitMaxSeconds > 0 {
		cfg.WaitMax = time.Duration(p.WaitMaxSeconds) * time.Second
	}
	if p.Multiplier > 0 {
		cfg.Multiplier = p.Multiplier
	}
	if p.Parallel > 0 {
		cfg.Parallel = p.Parallel
	}
	return cfg
}

func openSink(cfg *config.Config, format, out string, headers []string) (sink.RowSink, error) {
	switch strings.ToLower(format) {
	case "csv":
		if out == "" {
			out = fmt.Sprintf("report_%s.csv", utils.GenerateRunID())
		}
		return sink.NewCSVSink(out, headers)
	case "excel", "xlsx":
		if out == "" {
			out = fmt.Sprintf("report_%s.xlsx", utils.GenerateRunID())
		}
		return sink.NewXLSXSink(out, headers)
	case "sql":
		if cfg.Sink.Driver == "" || cfg.Sink.DSN == "" || cfg.Sink.Table == "" {
			return nil, fmt.Errorf("sink.driver, sink.db_dsn and sink.table must be set for --format sql")
		}
		return sink.NewSQLSink(cfg.Sink.Driver, cfg.Sink.DSN, cfg.Sink.Table, headers)
	}
	return nil, fmt.Errorf("unknown format %q, want csv, xlsx or sql", format)
}
