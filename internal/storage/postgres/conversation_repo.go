package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/vigil/internal/conversation"
	"github.com/jkaninda/vigil/internal/llm"
)

// ConversationRepository implements conversation.Store with GORM.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Get returns the conversation state, or nil if the id is unknown.
func (r *ConversationRepository) Get(ctx context.Context, id string) (*conversation.State, error) {
	var model ConversationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", id, err)
	}

	var items []llm.Item
	if len(model.Items) > 0 {
		if err := json.Unmarshal(model.Items, &items); err != nil {
			return nil, fmt.Errorf("decoding conversation %s items: %w", id, err)
		}
	}
	return &conversation.State{
		ID:               model.ID,
		Items:            items,
		LatestResponseID: model.LatestResponseID,
	}, nil
}

// Create initializes an empty conversation under id and returns it.
func (r *ConversationRepository) Create(ctx context.Context, id string) (*conversation.State, error) {
	model := ConversationModel{ID: id, Items: JSONB("[]")}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, fmt.Errorf("creating conversation %s: %w", id, err)
	}
	return &conversation.State{ID: id}, nil
}

// Update appends newItems to the stored history and advances the latest
// response id, all within one transaction.
func (r *ConversationRepository) Update(ctx context.Context, id string, newItems []llm.Item, latestResponseID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ConversationModel
		err := tx.First(&model, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			model = ConversationModel{ID: id, Items: JSONB("[]")}
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("creating conversation %s: %w", id, err)
			}
		} else if err != nil {
			return fmt.Errorf("loading conversation %s: %w", id, err)
		}

		var items []llm.Item
		if len(model.Items) > 0 {
			if err := json.Unmarshal(model.Items, &items); err != nil {
				return fmt.Errorf("decoding conversation %s items: %w", id, err)
			}
		}
		items = append(items, newItems...)

		encoded, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("encoding conversation %s items: %w", id, err)
		}

		return tx.Model(&ConversationModel{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"items":              JSONB(encoded),
				"latest_response_id": latestResponseID,
			}).Error
	})
}

var _ conversation.Store = (*ConversationRepository)(nil)
