// Package es 提供了与 Elasticsearch 交互的客户端功能。
// 仅在 search.backend 配置为 "elasticsearch" 时初始化，作为策略向量索引使用。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"hr-smart-go/internal/config"
	"hr-smart-go/internal/model"
	"hr-smart-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端并确保策略索引存在。
// dims 为向量维度，来自 embedding 配置。
func InitES(esCfg config.ElasticsearchConfig, dims int) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName, dims)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它。
func createIndexIfNotExists(indexName string, dims int) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	// dense_vector 使用 cosine 相似度，维度与 embedding 模型对齐
	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"policy_id": { "type": "keyword" },
				"category": { "type": "keyword" },
				"title": { "type": "keyword" },
				"jurisdiction": { "type": "keyword" },
				"status": { "type": "keyword" },
				"version": { "type": "integer" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"created_at_ns": { "type": "long" }
			}
		}
	}`, dims)

	res, err = ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(bytes.NewReader([]byte(mapping))),
	)

	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// IndexPolicy 将单条策略向量文档写入 Elasticsearch（按 policy_id 覆盖）。
func IndexPolicy(ctx context.Context, indexName string, doc model.EsPolicy) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: doc.PolicyID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引策略文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index policy document")
	}

	return nil
}

// DeletePolicy 从 Elasticsearch 中删除一条策略向量文档。
func DeletePolicy(ctx context.Context, indexName, policyID string) error {
	req := esapi.DeleteRequest{
		Index:      indexName,
		DocumentID: policyID,
		Refresh:    "true",
	}

	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	// 404 视为已删除
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		log.Errorf("从 Elasticsearch 删除策略文档出错: %s", res.String())
		return errors.New("failed to delete policy document")
	}

	return nil
}
