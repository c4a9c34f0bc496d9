package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"docforge/internal/bulk"
	"docforge/internal/config"
	"docforge/internal/database"
	"docforge/internal/jobs"
	"docforge/internal/logging"
	"docforge/internal/render"
	"docforge/internal/storage"
)

func main() {
	var (
		migrate  = flag.Bool("migrate", false, "执行数据库迁移")
		jobID    = flag.Uint("job", 0, "查看批量任务状态")
		finalize = flag.Bool("finalize", false, "与 --job 一起使用：为已处理完所有行但仍停留在 processing 的任务重新收尾（需要 MinIO 配置）")
		dbHost   = flag.String("db-host", "", "数据库 Host（可选，默认读 DATABASE_HOST）")
		dbPort   = flag.Int("db-port", 0, "数据库 Port（可选，默认读 DATABASE_PORT）")
		dbName   = flag.String("db-name", "", "数据库名（可选，默认读 POSTGRES_DB）")
		dbUser   = flag.String("db-user", "", "数据库用户（可选，默认读 POSTGRES_USER）")
		dbPass   = flag.String("db-password", "", "数据库密码（可选，默认读 POSTGRES_PASSWORD）")
		sslMode  = flag.String("db-sslmode", "", "数据库 SSLMODE（可选，默认读 DATABASE_SSLMODE）")
	)
	flag.Parse()

	if !*migrate && *jobID == 0 {
		log.Fatal("nothing to do: pass --migrate and/or --job")
	}
	if *finalize && *jobID == 0 {
		log.Fatal("--finalize requires --job")
	}

	dbCfg, err := loadDatabaseConfig(*dbHost, *dbPort, *dbName, *dbUser, *dbPass, *sslMode)
	if err != nil {
		log.Fatalf("load database config: %v", err)
	}

	db, err := database.InitDatabase(dbCfg)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}

	if *migrate {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("auto migrate: %v", err)
		}
		fmt.Println("数据库迁移完成")
	}
	if *jobID == 0 {
		return
	}

	ctx := context.Background()
	store := jobs.NewGormStore(db)
	job, err := store.Get(ctx, *jobID)
	if err != nil {
		log.Fatalf("load job: %v", err)
	}
	printJob(job)

	if !*finalize {
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format)
	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}

	renderer := render.NewRenderer(render.NewLoader(storageClient, nil).AllowHosts(cfg.Render.ImageHosts...), logger)
	orchestrator := bulk.New(bulk.Deps{
		Store:     store,
		Templates: database.NewTemplates(db),
		Generator: render.NewGenerator(renderer, storageClient, render.NewGormEvents(db), logger),
		Blobs:     storageClient,
		Logger:    logger,
	}, bulk.Options{ResultTTL: cfg.MinIO.PresignTTL})

	ran, err := orchestrator.Recover(ctx, *jobID)
	switch {
	case errors.Is(err, bulk.ErrIncomplete):
		log.Fatalf("任务仍有未处理的行，不能收尾：%v", err)
	case err != nil:
		log.Fatalf("finalize job: %v", err)
	case !ran:
		fmt.Println("任务已结束，无需收尾")
		return
	}

	job, err = store.Get(ctx, *jobID)
	if err != nil {
		log.Fatalf("reload job: %v", err)
	}
	fmt.Println("收尾完成：")
	printJob(job)
}

func printJob(job *jobs.Job) {
	fmt.Printf("任务 %d（实体 %d，模板 %d）\n", job.ID, job.EntityID, job.TemplateID)
	fmt.Printf("状态: %s\n", job.Status)
	fmt.Printf("进度: %d/%d 行（成功 %d，失败 %d，%d 个批次）\n",
		job.ProcessedRows, job.TotalRows, job.SuccessCount, job.FailureCount, job.BatchCount)
	if job.FinalizedAt != nil {
		fmt.Printf("收尾认领时间: %s\n", job.FinalizedAt.Format("2006-01-02 15:04:05"))
	}
	if job.ResultKey != "" {
		fmt.Printf("结果: %s\n", job.ResultKey)
	}
}

func loadDatabaseConfig(host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	if strings.TrimSpace(host) == "" {
		host = os.Getenv("DATABASE_HOST")
	}
	if port <= 0 {
		if env := strings.TrimSpace(os.Getenv("DATABASE_PORT")); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return config.DatabaseConfig{}, fmt.Errorf("parse DATABASE_PORT: %w", err)
			}
			port = p
		}
	}
	if strings.TrimSpace(name) == "" {
		name = os.Getenv("POSTGRES_DB")
	}
	if strings.TrimSpace(user) == "" {
		user = os.Getenv("POSTGRES_USER")
	}
	if strings.TrimSpace(password) == "" {
		password = os.Getenv("POSTGRES_PASSWORD")
	}
	if strings.TrimSpace(sslmode) == "" {
		sslmode = os.Getenv("DATABASE_SSLMODE")
	}

	if strings.TrimSpace(host) == "" {
		host = "localhost"
	}
	if port <= 0 {
		port = 5432
	}
	if strings.TrimSpace(sslmode) == "" {
		sslmode = "disable"
	}
	if strings.TrimSpace(name) == "" {
		return config.DatabaseConfig{}, errors.New("database name is required (POSTGRES_DB)")
	}
	if strings.TrimSpace(user) == "" {
		return config.DatabaseConfig{}, errors.New("database user is required (POSTGRES_USER)")
	}
	if strings.TrimSpace(password) == "" {
		return config.DatabaseConfig{}, errors.New("database password is required (POSTGRES_PASSWORD)")
	}

	return config.DatabaseConfig{
		Host:     host,
		Port:     port,
		Name:     name,
		User:     user,
		Password: password,
		SSLMode:  sslmode,
	}, nil
}
