package taskpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ExchangeDomain 命名的传输配置，描述如何为一族队列构建 TransportHandle。
type ExchangeDomain struct {
	Name   string `json:"name"`
	Config string `json:"config"`
}

// DomainConfig 为 ExchangeDomain.Config 的 JSON 结构，Provider 选择句柄工厂。
type DomainConfig = MQConfig

// ParseDomainConfig 解析域配置字符串。
func ParseDomainConfig(raw string) (DomainConfig, error) {
	var cfg DomainConfig
	if strings.TrimSpace(raw) == "" {
		return cfg, fmt.Errorf("%w: empty config", ErrInvalidDomain)
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	if cfg.Provider == "" {
		return cfg, fmt.Errorf("%w: missing type", ErrInvalidDomain)
	}
	return cfg, nil
}

// EncodeDomainConfig 将配置编码为域配置字符串。
func EncodeDomainConfig(cfg DomainConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DomainStore 域配置的外部存储。
type DomainStore interface {
	ReadDomain(ctx context.Context, name string) (ExchangeDomain, bool, error)
	WriteDomain(ctx context.Context, d ExchangeDomain) error
	DeleteDomain(ctx context.Context, name string) error
}

// MemoryDomainStore 进程内域存储。
type MemoryDomainStore struct {
	mu      sync.RWMutex
	domains map[string]ExchangeDomain
}

func NewMemoryDomainStore() *MemoryDomainStore {
	return &MemoryDomainStore{domains: map[string]ExchangeDomain{}}
}

func (s *MemoryDomainStore) ReadDomain(ctx context.Context, name string) (ExchangeDomain, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[name]
	return d, ok, nil
}

func (s *MemoryDomainStore) WriteDomain(ctx context.Context, d ExchangeDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[d.Name] = d
	return nil
}

func (s *MemoryDomainStore) DeleteDomain(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.domains, name)
	return nil
}

// RedisDomainStore 将域配置保存在一个 Redis hash 中：<prefix>:domains，field 为域名。
type RedisDomainStore struct {
	R   *redis.Client
	key string
}

func NewRedisDomainStore(r *redis.Client, prefix string) *RedisDomainStore {
	if prefix == "" {
		prefix = "taskpipe"
	}
	return &RedisDomainStore{R: r, key: prefix + ":domains"}
}

func (s *RedisDomainStore) ReadDomain(ctx context.Context, name string) (ExchangeDomain, bool, error) {
	v, err := s.R.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return ExchangeDomain{}, false, nil
	}
	if err != nil {
		return ExchangeDomain{}, false, fmt.Errorf("read domain %s: %w", name, err)
	}
	return ExchangeDomain{Name: name, Config: v}, true, nil
}

func (s *RedisDomainStore) WriteDomain(ctx context.Context, d ExchangeDomain) error {
	if err := s.R.HSet(ctx, s.key, d.Name, d.Config).Err(); err != nil {
		return fmt.Errorf("write domain %s: %w", d.Name, err)
	}
	return nil
}

func (s *RedisDomainStore) DeleteDomain(ctx context.Context, name string) error {
	if err := s.R.HDel(ctx, s.key, name).Err(); err != nil {
		return fmt.Errorf("delete domain %s: %w", name, err)
	}
	return nil
}
