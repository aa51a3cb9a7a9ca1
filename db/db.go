package db

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v2"

	"llmqd/config"
	"llmqd/logs"
)

// ErrNotFound key 不存在
var ErrNotFound = errors.New("db: key not found")

// Manager 封装 BadgerDB 的管理器
type Manager struct {
	Db        *badger.DB
	Logger    logs.Logger
	cfg       *config.Config
	closeOnce sync.Once
}

// NewManager 创建一个新的 DBManager 实例
func NewManager(path string, logger logs.Logger) (*Manager, error) {
	return NewManagerWithConfig(path, logger, nil)
}

// NewManagerWithConfig 创建 DBManager，可选注入整份 Config
func NewManagerWithConfig(path string, logger logs.Logger, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.NewLogger("DB")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	opts.ValueLogFileSize = cfg.Database.ValueLogFileSize
	// badger v2 不自动创建父目录，需要手动创建
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &Manager{Db: db, Logger: logger, cfg: cfg}, nil
}

// Close 关闭数据库
func (manager *Manager) Close() error {
	var err error
	manager.closeOnce.Do(func() {
		err = manager.Db.Close()
	})
	return err
}

// Read 读取 key，不存在返回 ErrNotFound
func (manager *Manager) Read(key string) ([]byte, error) {
	var val []byte
	err := manager.Db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

// Write 同步写入
func (manager *Manager) Write(key string, val []byte) error {
	return manager.Db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

// WriteBatch 在一个事务里写入多个 key
func (manager *Manager) WriteBatch(kvs map[string][]byte) error {
	return manager.Db.Update(func(txn *badger.Txn) error {
		for k, v := range kvs {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete 删除 key
func (manager *Manager) Delete(key string) error {
	return manager.Db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Has key 是否存在
func (manager *Manager) Has(key string) (bool, error) {
	_, err := manager.Read(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ScanPrefix 按前缀遍历
func (manager *Manager) ScanPrefix(prefix string, fn func(key string, val []byte) error) error {
	return manager.Db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}
