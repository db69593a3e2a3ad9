package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"outbound-call-server-golang/internal/data/model"
)

// Seed 内存模式下的初始数据
type Seed struct {
	Campaigns []model.Campaign `json:"campaigns"`
	Contacts  []model.Contact  `json:"contacts"`
}

// Load 从 JSON 读取活动与联系人, 联系人引用的活动必须存在
func (s *Store) Load(r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	now := time.Now()
	known := make(map[string]struct{}, len(seed.Campaigns))
	for _, c := range seed.Campaigns {
		if c.ID == "" {
			return fmt.Errorf("seed campaign without id")
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		s.PutCampaign(c)
		known[c.ID] = struct{}{}
	}
	for i, c := range seed.Contacts {
		if c.ID == "" || c.Phone == "" {
			return fmt.Errorf("seed contact %d: id and phone are required", i)
		}
		if _, ok := known[c.CampaignID]; !ok {
			return fmt.Errorf("seed contact %s: unknown campaign %s", c.ID, c.CampaignID)
		}
		if c.CreatedAt.IsZero() {
			// 保持文件中的顺序
			c.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		}
		s.PutContact(c)
	}
	return nil
}

func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Load(f)
}
