// Package todo implements the todo.* capability family: a task list
// persisted as JSON under the agent state directory. Ids are integers that
// increase monotonically across separate runs against the same workspace.
package todo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/waa-agent/waa/internal/tool"
)

const (
	// FileName is the store's location inside the state directory.
	FileName = "todo.json"

	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Item is one persisted task record.
type Item struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Store reads and writes the task list file. Every operation loads the file
// fresh so ids stay monotonic across process restarts.
type Store struct {
	path string
}

// NewStore binds a store to its file path.
func NewStore(path string) *Store { return &Store{path: path} }

// Load returns all items, or an empty list when the file does not exist yet.
func (s *Store) Load() ([]Item, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Item{}, nil
		}
		return nil, fmt.Errorf("read todo store: %w", err)
	}
	var items []Item
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("parse todo store: %w", err)
	}
	return items, nil
}

func (s *Store) save(items []Item) error {
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode todo store: %w", err)
	}
	if err := os.WriteFile(s.path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write todo store: %w", err)
	}
	return nil
}

// Add appends a new pending item with the next monotonic id.
func (s *Store) Add(description string) (Item, error) {
	items, err := s.Load()
	if err != nil {
		return Item{}, err
	}
	next := 1
	for _, it := range items {
		if it.ID >= next {
			next = it.ID + 1
		}
	}
	item := Item{ID: next, Description: description, Status: StatusPending}
	items = append(items, item)
	if err := s.save(items); err != nil {
		return Item{}, err
	}
	return item, nil
}

// Complete marks an item completed and stamps completed_at.
func (s *Store) Complete(id int) (Item, error) {
	items, err := s.Load()
	if err != nil {
		return Item{}, err
	}
	for i := range items {
		if items[i].ID == id {
			items[i].Status = StatusCompleted
			items[i].CompletedAt = time.Now().UTC().Format(time.RFC3339)
			if err := s.save(items); err != nil {
				return Item{}, err
			}
			return items[i], nil
		}
	}
	return Item{}, fmt.Errorf("todo %d not found", id)
}

// Remove deletes an item by id.
func (s *Store) Remove(id int) error {
	items, err := s.Load()
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID == id {
			items = append(items[:i], items[i+1:]...)
			return s.save(items)
		}
	}
	return fmt.Errorf("todo %d not found", id)
}

// Capabilities returns the todo.* family over the given store.
func Capabilities(store *Store) []tool.Capability {
	return []tool.Capability{
		tool.New("todo.add", "Add a task to the todo list.",
			tool.Schema{
				"description": {Type: "string", Required: true},
			}, func(ctx context.Context, args map[string]any) tool.Result {
				item, err := store.Add(tool.StringArg(args, "description"))
				if err != nil {
					return tool.Fail("%v", err)
				}
				return tool.OK(map[string]any{"id": item.ID, "description": item.Description, "status": item.Status})
			}),
		tool.New("todo.list", "List tasks, optionally filtered by status (pending, completed, all).",
			tool.Schema{
				"status": {Type: "string", Default: "all"},
			}, func(ctx context.Context, args map[string]any) tool.Result {
				filter := tool.StringArg(args, "status")
				switch filter {
				case "all", StatusPending, StatusCompleted:
				default:
					return tool.Fail("invalid status filter %q (use pending, completed, or all)", filter)
				}
				items, err := store.Load()
				if err != nil {
					return tool.Fail("%v", err)
				}
				out := make([]any, 0, len(items))
				for _, it := range items {
					if filter != "all" && it.Status != filter {
						continue
					}
					entry := map[string]any{"id": it.ID, "description": it.Description, "status": it.Status}
					if it.CompletedAt != "" {
						entry["completed_at"] = it.CompletedAt
					}
					out = append(out, entry)
				}
				return tool.OK(map[string]any{"todos": out, "count": len(out)})
			}),
		tool.New("todo.complete", "Mark a task as completed.",
			tool.Schema{
				"id": {Type: "integer", Required: true},
			}, func(ctx context.Context, args map[string]any) tool.Result {
				id, ok := tool.IntArg(args, "id")
				if !ok {
					return tool.Fail("argument \"id\" must be an integer")
				}
				item, err := store.Complete(id)
				if err != nil {
					return tool.Fail("%v", err)
				}
				return tool.OK(map[string]any{"id": item.ID, "status": item.Status, "completed_at": item.CompletedAt})
			}),
		tool.New("todo.remove", "Remove a task from the todo list.",
			tool.Schema{
				"id": {Type: "integer", Required: true},
			}, func(ctx context.Context, args map[string]any) tool.Result {
				id, ok := tool.IntArg(args, "id")
				if !ok {
					return tool.Fail("argument \"id\" must be an integer")
				}
				if err := store.Remove(id); err != nil {
					return tool.Fail("%v", err)
				}
				return tool.OK(map[string]any{"id": id})
			}),
	}
}
