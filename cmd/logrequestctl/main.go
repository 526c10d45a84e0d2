package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"metrika-logs/config"
	"metrika-logs/logging"
	"metrika-logs/metrika"
	"metrika-logs/report"
	"metrika-logs/utils"
)

// Outil d'entretien du compteur : inventaire et nettoyage des
// requêtes Logs API encore présentes côté serveur.
func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config.yaml", "Config file path, relative to project root")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: logrequestctl [-config config.yaml] list|clean")
		os.Exit(1)
	}

	godotenv.Load()
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed %s: %v", configFile, err)
	}
	if cfg.API.CounterID == 0 {
		log.Fatalf("No counter id in %s", configFile)
	}

	client := metrika.NewClient(cfg.API.CounterID, loadToken(cfg))
	defer client.Close()
	if cfg.API.HostURL != "" {
		client.HostURL = cfg.API.HostURL
	}

	ctx := context.Background()
	switch flag.Arg(0) {
	case "list":
		requests, err := client.ListOutstanding(ctx)
		if err != nil {
			log.Fatalf("Failed listing requests: %v", err)
		}
		if len(requests) == 0 {
			fmt.Println("No outstanding log requests.")
			return
		}
		for _, r := range requests {
			fmt.Printf("%d\t%s\t%s..%s\t%s\tparts=%d\n", r.RequestID, r.Status, r.Date1, r.Date2, r.Source, len(r.Parts))
		}
	case "clean":
		reportLogger := logging.NewLoggerOrDie(cfg.LogDir, "report.log")
		defer reportLogger.Close()
		session := report.NewSession(client, reportLogger, report.DefaultConfig())
		if err := session.CleanUp(ctx); err != nil {
			log.Fatalf("Failed cleaning requests: %v", err)
		}
		fmt.Println("Outstanding log requests cleaned.")
	default:
		fmt.Println("Usage: logrequestctl [-config config.yaml] list|clean")
		os.Exit(1)
	}
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
