package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	rd "github.com/go-redis/redis/v9"

	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/store"
)

var _ registry.DefinitionStorage = (*definitionStorage)(nil)

type definitionStorage struct {
	client *Client
}

func NewDefinitionStorage(client *Client) *definitionStorage {
	return &definitionStorage{client: client}
}

func (d *definitionStorage) SaveDefinition(ctx context.Context, def model.PipelineDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	err = d.client.redisClient.HSet(ctx, d.client.key("PIPELINE", def.Name), "definition", string(data)).Err()
	if err != nil {
		return store.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *definitionStorage) GetDefinition(ctx context.Context, name string) (*model.PipelineDefinition, error) {
	data, err := d.client.redisClient.HGet(ctx, d.client.key("PIPELINE", name), "definition").Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, fmt.Errorf("pipeline definition %s not found", name)
		}
		return nil, store.StorageLayerError{Message: err.Error()}
	}
	var def model.PipelineDefinition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *definitionStorage) DeleteDefinition(ctx context.Context, name string) error {
	err := d.client.redisClient.Del(ctx, d.client.key("PIPELINE", name)).Err()
	if err != nil {
		return store.StorageLayerError{Message: err.Error()}
	}
	return nil
}
