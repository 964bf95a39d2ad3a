package itemservice

import (
	"slices"

	"gridkv/internal/processor"
)

const (
	ProcSetParent     = "item-set-parent"
	ProcRemoveParent  = "item-remove-parent"
	ProcAddChild      = "item-add-child"
	ProcRemoveChild   = "item-remove-child"
	ProcSetProperties = "item-set-properties"
)

type setProperties struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

func init() {
	processor.Register(ProcSetParent, processor.Typed(setParent))
	processor.Register(ProcRemoveParent, processor.Typed(removeParent))
	processor.Register(ProcAddChild, processor.Typed(addChild))
	processor.Register(ProcRemoveChild, processor.Typed(removeChild))
	processor.Register(ProcSetProperties, processor.Typed(setProps))
}

// setParent sets the parent of an item that has none and returns the parent
// the item had before. An item that already has a parent keeps it.
func setParent(e processor.TypedEntry[Item], parentID string) (any, error) {
	if !e.Exists() {
		return "", nil
	}
	item, err := e.Get()
	if err != nil {
		return nil, err
	}
	if item.ParentID != "" {
		return item.ParentID, nil
	}
	item.ParentID = parentID
	return "", e.Set(item)
}

// removeParent clears the parent when it is expected or already empty and
// returns the parent found.
func removeParent(e processor.TypedEntry[Item], expected string) (any, error) {
	if !e.Exists() {
		return "", nil
	}
	item, err := e.Get()
	if err != nil {
		return nil, err
	}
	found := item.ParentID
	if found == "" || found == expected {
		item.ParentID = ""
		if err := e.Set(item); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// addChild adds to a sorted child set and returns the set.
func addChild(e processor.TypedEntry[[]string], childID string) (any, error) {
	children, err := e.Get()
	if err != nil {
		return nil, err
	}
	i, found := slices.BinarySearch(children, childID)
	if !found {
		children = slices.Insert(children, i, childID)
	}
	return children, e.Set(children)
}

// removeChild returns the remaining set, or null when there was no set. The
// entry is removed once empty.
func removeChild(e processor.TypedEntry[[]string], childID string) (any, error) {
	children, err := e.Get()
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, nil
	}
	if i, found := slices.BinarySearch(children, childID); found {
		children = slices.Delete(children, i, i+1)
	}
	if len(children) == 0 {
		e.Remove()
		return []string{}, nil
	}
	return children, e.Set(children)
}

// setProps creates the item or merges the attributes into it. A nil
// attribute value deletes the attribute.
func setProps(e processor.TypedEntry[Item], args setProperties) (any, error) {
	if !e.Exists() {
		item := Item{ID: args.ID, Attributes: make(map[string]any)}
		for name, v := range args.Attributes {
			if v != nil {
				item.Attributes[name] = v
			}
		}
		return item, e.Set(item)
	}
	item, err := e.Get()
	if err != nil {
		return nil, err
	}
	if item.Attributes == nil {
		item.Attributes = make(map[string]any)
	}
	for name, v := range args.Attributes {
		if v == nil {
			delete(item.Attributes, name)
		} else {
			item.Attributes[name] = v
		}
	}
	return item, e.Set(item)
}
