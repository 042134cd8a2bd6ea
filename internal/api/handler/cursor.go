package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/oakline/orderflow/internal/queue"
)

func DecodeItemCursor(cursorStr string) (*queue.ItemCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &queue.ItemCursor{
		CreatedAt: time.Unix(0, createdAt),
		ItemID:    parts[1],
	}, nil
}

func EncodeItemCursor(cursor *queue.ItemCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ItemID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
