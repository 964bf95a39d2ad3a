// Package itemservice keeps a hierarchy of attributed items in the grid.
// Items live under item/<id> and the child set of an item under
// children/<id>. Compound changes run in a pessimistic repeatable-read
// transaction, or in the caller's transaction when the context carries one.
package itemservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gridkv/internal/gridmanager"
	"gridkv/internal/processor"
	"gridkv/internal/transactionmanager"

	"github.com/google/uuid"
)

var ErrItemNotFound = errors.New("item does not exist")

// Item is a node of the hierarchy. An empty ParentID means no parent.
type Item struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes,omitempty"`
	ParentID   string         `json:"parentId,omitempty"`
}

func ItemKey(id string) string {
	return "item/" + id
}

func ChildrenKey(id string) string {
	return "children/" + id
}

type Service struct {
	grid *gridmanager.GridManager
}

func New(grid *gridmanager.GridManager) *Service {
	return &Service{grid: grid}
}

// inTx runs fn in the ambient transaction of ctx, or in a new pessimistic
// repeatable-read one retried on retryable failures.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := transactionmanager.FromContext(ctx); ok {
		return fn(ctx)
	}
	return s.grid.Retry(ctx, func(ctx context.Context) error {
		return s.grid.InTx(ctx, transactionmanager.Pessimistic, transactionmanager.RepeatableRead,
			func(ctx context.Context, _ *transactionmanager.Tx) error {
				return fn(ctx)
			})
	})
}

func invoke[R any](ctx context.Context, grid *gridmanager.GridManager, key, proc string, args any) (R, error) {
	var zero R
	inv, err := processor.Named(proc, args)
	if err != nil {
		return zero, err
	}
	raw, err := grid.Invoke(ctx, key, inv)
	if err != nil {
		return zero, err
	}
	return processor.Result[R](raw)
}

func (s *Service) get(ctx context.Context, id string) (Item, bool, error) {
	raw, found, err := s.grid.Get(ctx, ItemKey(id))
	if err != nil || !found {
		return Item{}, false, err
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, false, fmt.Errorf("decode item %s: %w", id, err)
	}
	return item, true, nil
}

func (s *Service) put(ctx context.Context, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item %s: %w", item.ID, err)
	}
	return s.grid.Put(ctx, ItemKey(item.ID), raw)
}

// CreateItem stores a new item, replacing any item with the same id. An
// empty id gets a random one.
func (s *Service) CreateItem(ctx context.Context, id string, attributes map[string]any) (Item, error) {
	if id == "" {
		id = uuid.NewString()
	}
	item := Item{ID: id, Attributes: attributes}
	if err := s.put(ctx, item); err != nil {
		return Item{}, err
	}
	slog.Debug("item created", "item", id)
	return item, nil
}

// GetItem returns the item, ErrItemNotFound when it does not exist.
func (s *Service) GetItem(ctx context.Context, id string) (Item, error) {
	item, found, err := s.get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return item, nil
}

// UpdateItem merges attributes into the item, creating it when absent. A nil
// attribute value removes the attribute.
func (s *Service) UpdateItem(ctx context.Context, id string, attributes map[string]any) (Item, error) {
	if id == "" {
		return s.CreateItem(ctx, id, attributes)
	}
	return invoke[Item](ctx, s.grid, ItemKey(id), ProcSetProperties, setProperties{ID: id, Attributes: attributes})
}

// RemoveItem deletes the item, detaches its children and removes it from its
// parent's child set, all in one transaction.
func (s *Service) RemoveItem(ctx context.Context, id string) (Item, error) {
	var old Item
	err := s.inTx(ctx, func(ctx context.Context) error {
		raw, found, err := s.grid.Remove(ctx, ItemKey(id))
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		if err := json.Unmarshal(raw, &old); err != nil {
			return fmt.Errorf("decode item %s: %w", id, err)
		}
		return s.removeLinks(ctx, old)
	})
	if err != nil {
		return Item{}, err
	}
	slog.Debug("item removed", "item", id)
	return old, nil
}

func (s *Service) removeLinks(ctx context.Context, old Item) error {
	raw, found, err := s.grid.Remove(ctx, ChildrenKey(old.ID))
	if err != nil {
		return err
	}
	if found {
		var children []string
		if err := json.Unmarshal(raw, &children); err != nil {
			return fmt.Errorf("decode children of %s: %w", old.ID, err)
		}
		if len(children) > 0 {
			keys := make([]string, len(children))
			for i, child := range children {
				keys[i] = ItemKey(child)
			}
			inv, err := processor.Named(ProcRemoveParent, old.ID)
			if err != nil {
				return err
			}
			results, err := s.grid.InvokeAll(ctx, keys, inv)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := results[key].Err; err != nil {
					return err
				}
			}
		}
	}

	if old.ParentID != "" {
		if _, err := s.removeFromParent(ctx, old.ID, old.ParentID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) removeFromParent(ctx context.Context, id, parentID string) ([]string, error) {
	children, err := invoke[[]string](ctx, s.grid, ChildrenKey(parentID), ProcRemoveChild, id)
	if err != nil {
		return nil, err
	}
	if children == nil {
		slog.Info("parent has no children to remove from", "item", id, "parent", parentID)
		return []string{}, nil
	}
	return children, nil
}

// ensure creates an item with no attributes when it does not exist.
func (s *Service) ensure(ctx context.Context, id string) error {
	_, found, err := s.get(ctx, id)
	if err != nil || found {
		return err
	}
	_, err = s.UpdateItem(ctx, id, nil)
	return err
}

// Push makes child a child of parent, creating missing items, and returns
// the parent's children. A child keeps the first parent it was pushed to but
// is listed under every parent it is pushed to.
func (s *Service) Push(ctx context.Context, parentID, childID string) ([]string, error) {
	var children []string
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.ensure(ctx, parentID); err != nil {
			return err
		}
		if err := s.ensure(ctx, childID); err != nil {
			return err
		}

		old, err := invoke[string](ctx, s.grid, ItemKey(childID), ProcSetParent, parentID)
		if err != nil {
			return err
		}
		switch old {
		case "":
		case parentID:
			children, err = s.children(ctx, parentID)
			return err
		default:
			slog.Warn("pushed item keeps its parent", "item", childID, "parent", old, "pushedTo", parentID)
		}

		children, err = invoke[[]string](ctx, s.grid, ChildrenKey(parentID), ProcAddChild, childID)
		return err
	})
	return children, err
}

// Pop detaches child from parent, creating missing items, and returns the
// parent's remaining children.
func (s *Service) Pop(ctx context.Context, parentID, childID string) ([]string, error) {
	var children []string
	err := s.inTx(ctx, func(ctx context.Context) error {
		if err := s.ensure(ctx, parentID); err != nil {
			return err
		}
		if err := s.ensure(ctx, childID); err != nil {
			return err
		}

		actual, err := invoke[string](ctx, s.grid, ItemKey(childID), ProcRemoveParent, parentID)
		if err != nil {
			return err
		}
		if actual == "" {
			children, err = s.children(ctx, parentID)
			return err
		}
		children, err = s.removeFromParent(ctx, childID, parentID)
		return err
	})
	return children, err
}

// GetChildren returns the sorted child ids of an existing item.
func (s *Service) GetChildren(ctx context.Context, id string) ([]string, error) {
	if _, err := s.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return s.children(ctx, id)
}

func (s *Service) children(ctx context.Context, id string) ([]string, error) {
	raw, found, err := s.grid.Get(ctx, ChildrenKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return []string{}, nil
	}
	var children []string
	if err := json.Unmarshal(raw, &children); err != nil {
		return nil, fmt.Errorf("decode children of %s: %w", id, err)
	}
	return children, nil
}

// AttributeAddAndGet adds delta to a numeric attribute, creating the item
// and the attribute as needed, and returns the new value.
func (s *Service) AttributeAddAndGet(ctx context.Context, id, name string, delta float64) (float64, error) {
	var result float64
	err := s.inTx(ctx, func(ctx context.Context) error {
		item, found, err := s.get(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			item = Item{ID: id}
		}
		if item.Attributes == nil {
			item.Attributes = make(map[string]any)
		}

		switch v := item.Attributes[name].(type) {
		case nil:
			result = delta
		case float64:
			result = v + delta
		default:
			return fmt.Errorf("attribute %q of %s is %T, not a number", name, id, v)
		}
		item.Attributes[name] = result
		return s.put(ctx, item)
	})
	return result, err
}
