// Package main 是应用程序的入口点。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"hr-smart-go/internal/config"
	"hr-smart-go/internal/model"
	"hr-smart-go/internal/pipeline"
	"hr-smart-go/internal/repository"
	"hr-smart-go/internal/service"
	"hr-smart-go/pkg/database"
	"hr-smart-go/pkg/embedding"
	"hr-smart-go/pkg/es"
	"hr-smart-go/pkg/kafka"
	"hr-smart-go/pkg/log"
)

// resyncSweepLimit 限制启动补偿扫描单次处理的文档数。
const resyncSweepLimit = 200

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	useES := cfg.Search.Backend == "elasticsearch"
	if useES {
		if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
			log.Fatalf("es 初始化失败: %s", err)
		}
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	policyRepo := repository.NewPolicyRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	// 会话编排栈由 cmd/chat 进程装配，
	// 本进程只承载策略向量化的后台管道与补偿扫描。
	embeddingClient := embedding.NewClient(cfg.Embedding)
	searchService := service.NewSearchService(embeddingClient, policyRepo, es.ESClient, cfg.Search, cfg.Elasticsearch)

	var mirror service.IndexMirror
	if useES {
		mirror = esMirror{index: cfg.Elasticsearch.IndexName}
	}
	policyService := service.NewPolicyService(policyRepo, kafka.ProduceEmbedTask, mirror, searchService)

	// 6. 初始化向量化处理管道 (Processor)
	processor := pipeline.NewProcessor(embeddingClient, policyRepo, cfg.Elasticsearch, useES, searchService)

	// 7. 启动后台 Kafka 消费者
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 7.1 启动补偿扫描：将遗留的待向量化文档重新入队（幂等，版本闸门兜底）
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go func() {
		n, err := policyService.ResyncPending(sweepCtx, resyncSweepLimit)
		if err != nil {
			log.Warnf("启动补偿扫描失败: %v", err)
			return
		}
		if n > 0 {
			log.Infof("启动补偿扫描完成, 重新入队 %d 个待向量化文档", n)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 消费者在消息边界提交位点，直接退出不会丢失任务；
	// 未提交的消息会在下次启动时重新投递，由版本闸门保证幂等。
	log.Info("服务已优雅关闭")
}

// esMirror 将全局 ES 客户端适配为策略服务所需的索引镜像。
type esMirror struct{ index string }

func (m esMirror) IndexPolicy(ctx context.Context, doc model.EsPolicy) error {
	return es.IndexPolicy(ctx, m.index, doc)
}

func (m esMirror) DeletePolicy(ctx context.Context, policyID string) error {
	return es.DeletePolicy(ctx, m.index, policyID)
}
