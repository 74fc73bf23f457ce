package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/config"
	"github.com/apk-analysis/appsec-engine/internal/repository"
)

// 单独执行建表迁移，供部署流程在启动服务前调用
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := repository.InitDB(ctx, &cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	fmt.Println("✓ Migration completed successfully")
}
