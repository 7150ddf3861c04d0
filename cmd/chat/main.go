// Package main 是会话助手的控制台入口，装配完整的会话编排栈。
// 以标准输入逐行读取员工消息，回复写到标准输出（参考 MCP stdio 传输的交互形态）。
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"hr-smart-go/internal/config"
	"hr-smart-go/internal/repository"
	"hr-smart-go/internal/service"
	"hr-smart-go/pkg/database"
	"hr-smart-go/pkg/embedding"
	"hr-smart-go/pkg/es"
	"hr-smart-go/pkg/llm"
	"hr-smart-go/pkg/log"
)

func main() {
	employeeID := flag.String("employee", "", "员工 ID（必填）")
	jurisdiction := flag.String("jurisdiction", "", "辖区代码 (MY/SG/UK/US)，留空表示不限定")
	sessionID := flag.String("session", "", "继续已有会话的 ID，留空则新建会话")
	flag.Parse()

	if strings.TrimSpace(*employeeID) == "" {
		fmt.Fprintln(os.Stderr, "用法: chat -employee <id> [-jurisdiction MY] [-session <id>]")
		os.Exit(2)
	}

	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	// 3. 初始化数据库和 Redis
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

	if cfg.Search.Backend == "elasticsearch" {
		if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
			log.Fatalf("es 初始化失败: %s", err)
		}
	}

	// 4. 初始化 Repository
	policyRepo := repository.NewPolicyRepository(database.DB)
	chatRepo := repository.NewChatRepository(database.DB, database.RDB,
		time.Duration(cfg.Chat.HistoryTTLHours)*time.Hour)

	// 5. 初始化 Service (依赖注入)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	searchService := service.NewSearchService(embeddingClient, policyRepo, es.ESClient, cfg.Search, cfg.Elasticsearch)
	intentService := service.NewIntentService(llmClient, cfg.Chat.MaxUtteranceRunes)
	answerService := service.NewAnswerService(llmClient)
	chatService := service.NewChatService(intentService, searchService, answerService, chatRepo, cfg.Chat.HistoryWindowOr10())

	ctx := context.Background()

	// 6. 定位会话：续接已有会话或创建新会话
	sid := strings.TrimSpace(*sessionID)
	if sid == "" {
		session, err := chatService.CreateSession(ctx, *employeeID)
		if err != nil {
			log.Fatalf("创建会话失败: %s", err)
		}
		sid = session.ID
		fmt.Printf("新会话已创建: %s\n", sid)
	} else {
		if _, _, err := chatService.GetSessionMessages(ctx, sid, *employeeID); err != nil {
			log.Fatalf("会话不可用: %s", err)
		}
		fmt.Printf("继续会话: %s\n", sid)
	}

	// 7. 标准输入循环，空行跳过，exit/quit 退出
	fmt.Println("输入消息开始对话 (exit 退出):")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			break
		}

		resp, err := chatService.HandleIncomingMessage(ctx, sid, *employeeID, *jurisdiction, text)
		if err != nil {
			// 错误细节只进日志，用户侧统一兜底文案
			log.Errorf("[Chat] 消息处理失败, session=%s: %v", sid, err)
			fmt.Println(service.FallbackReply)
			continue
		}

		fmt.Println(resp.Message.Content)
		for i, src := range resp.Sources {
			fmt.Printf("  [%d] %s (%.2f)\n", i+1, src.Title, src.Similarity)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("[Chat] 读取输入失败: %v", err)
	}
	fmt.Println("再见!")
}
