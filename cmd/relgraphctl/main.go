package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"relgraph/internal/db/postgres"
	redisdb "relgraph/internal/db/redis"
	"relgraph/internal/platform/config"
	applog "relgraph/internal/platform/log"
)

var (
	purgeTemp  bool
	purgeAll   bool
	purgeMatch []string
	listPage   int
	listLimit  int
)

func main() {
	root := &cobra.Command{
		Use:   "relgraphctl",
		Short: "Maintenance tool for stored relationship-graph query results",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored query results",
		RunE:  runList,
	}
	listCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "results per page")

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete stored query results",
		RunE:  runPurge,
	}
	purgeCmd.Flags().BoolVar(&purgeTemp, "temp", false, "delete intermediate placeholder rows only")
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "delete ALL stored results")
	purgeCmd.Flags().StringSliceVar(&purgeMatch, "match", nil, "delete results whose query contains any keyword")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show storage statistics",
		RunE:  runStats,
	}

	root.AddCommand(listCmd, purgeCmd, statsCmd)

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func openRepo() (*postgres.Repository, *sql.DB, *config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	applog.Init(applog.Config{Level: "warn", Format: cfg.LogFormat})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("ping database failed: %w", err)
	}
	return postgres.NewRepository(db), db, cfg, nil
}

func runList(cmd *cobra.Command, args []string) error {
	repo, db, _, err := openRepo()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := repo.ListResults(ctx, listPage, listLimit)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Printf("Stored results (page %d/%d, %d total)\n\n",
		page.Pagination.CurrentPage, page.Pagination.TotalPages, page.Pagination.TotalItems)

	for _, item := range page.Results {
		color.Cyan("%s", item.ID)
		fmt.Printf("  query:    %s\n", item.OriginalQuery)
		fmt.Printf("  type:     %s\n", item.QueryType)
		fmt.Printf("  entities: %d\n", item.EntityCount)
		fmt.Printf("  created:  %s\n\n", item.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	if !purgeTemp && !purgeAll && len(purgeMatch) == 0 {
		return fmt.Errorf("specify one of --temp, --all or --match")
	}

	repo, db, cfg, err := openRepo()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	deleted := 0
	switch {
	case purgeAll:
		deleted, err = repo.DeleteAll(ctx)
	case purgeTemp:
		deleted, err = repo.DeleteMatching(ctx, []string{"_temp_"})
	default:
		deleted, err = repo.DeleteMatching(ctx, purgeMatch)
	}
	if err != nil {
		return err
	}
	color.Green("deleted %d result(s)", deleted)

	// 全量清库时共享缓存里的条目也一并失效
	if purgeAll && cfg.Redis.URL != "" {
		if opt, err := goredis.ParseURL(cfg.Redis.URL); err == nil {
			shared := redisdb.NewResultCache(goredis.NewClient(opt), cfg.Cache.SharedTTLSeconds)
			n := shared.InvalidateAll(ctx)
			color.Green("invalidated %d shared cache entr(ies)", n)
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	repo, db, _, err := openRepo()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Println("Storage statistics")
	fmt.Printf("  total results:  %d\n", stats.TotalResults)
	fmt.Printf("  temp results:   %d\n", stats.TempResults)
	fmt.Printf("  total entities: %d\n", stats.TotalEntities)
	bold.Println("  by type:")
	for queryType, count := range stats.ByType {
		fmt.Printf("    %-20s %d\n", queryType, count)
	}
	return nil
}
