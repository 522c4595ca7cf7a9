package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// ProxyResource is the persisted form of one deployed forwarding endpoint.
// (provider, id) is the primary key; id alone is only unique within a
// provider namespace.
type ProxyResource struct {
	ID              string      `gorm:"column:id;primaryKey"`
	Provider        string      `gorm:"column:provider;primaryKey"`
	PublicAddresses StringArray `gorm:"column:public_addresses;type:json"`
	Region          string      `gorm:"column:region"`
	BaseTargetURL   string      `gorm:"column:base_target_url"`
	Status          string      `gorm:"column:status"`
	CreatedAt       time.Time   `gorm:"column:created_at"`
	UpdatedAt       time.Time   `gorm:"column:updated_at"`
}

func (ProxyResource) TableName() string {
	return "proxy_resources"
}

func (r *ProxyResource) ToType() types.ProxyResource {
	return types.ProxyResource{
		ID:              r.ID,
		Provider:        types.Provider(r.Provider),
		PublicAddresses: []string(r.PublicAddresses),
		Region:          r.Region,
		BaseTargetURL:   r.BaseTargetURL,
		Status:          types.Status(r.Status),
		CreatedAt:       r.CreatedAt,
	}
}

func FromType(resource *types.ProxyResource) *ProxyResource {
	return &ProxyResource{
		ID:              resource.ID,
		Provider:        string(resource.Provider),
		PublicAddresses: StringArray(resource.PublicAddresses),
		Region:          resource.Region,
		BaseTargetURL:   resource.BaseTargetURL,
		Status:          string(resource.Status),
		CreatedAt:       resource.CreatedAt,
		UpdatedAt:       time.Now(),
	}
}

// StringArray stores a string slice as a JSON column.
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type: %T", value)
	}

	return json.Unmarshal(data, a)
}
