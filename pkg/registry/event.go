package registry

import (
	"encoding/json"
	"fmt"

	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
)

// EventType 是事件在线路上的类型
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
	EventError   EventType = "error"
)

// Event 是 watch 事件在 HTTP 和 CLI 上的表示。
// 进程内统一使用 watch.Event，只有跨进程时才转换成这个结构。
type Event struct {
	Type EventType `json:"type"`
	// Resource 是变更后的完整资源文档；错误事件时是一个 metav1.Status
	Resource json.RawMessage `json:"resource"`
}

// ToEventType 把 apimachinery 的事件类型映射成线路上的类型
func ToEventType(t watch.EventType) (EventType, error) {
	switch t {
	case watch.Added:
		return EventCreated, nil
	case watch.Modified:
		return EventUpdated, nil
	case watch.Deleted:
		return EventDeleted, nil
	case watch.Error:
		return EventError, nil
	default:
		return "", fmt.Errorf("unsupported watch event type %q", t)
	}
}

// WatchEventType 是 ToEventType 的逆映射
func (t EventType) WatchEventType() (watch.EventType, error) {
	switch t {
	case EventCreated:
		return watch.Added, nil
	case EventUpdated:
		return watch.Modified, nil
	case EventDeleted:
		return watch.Deleted, nil
	case EventError:
		return watch.Error, nil
	default:
		return "", fmt.Errorf("unsupported event type %q", t)
	}
}

// NewEvent 把一个 watch.Event 编码成线路上的事件
func NewEvent(scheme *runtime.Scheme, ev watch.Event) (Event, error) {
	t, err := ToEventType(ev.Type)
	if err != nil {
		return Event{}, err
	}
	var data []byte
	if ev.Type == watch.Error {
		data, err = json.Marshal(ev.Object)
	} else {
		data, err = Encode(scheme, ev.Object)
	}
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Resource: data}, nil
}

// Decode 把线路上的事件还原成 watch.Event。
// decode 负责把资源文档解码成具体类型。
func (e Event) Decode(decode func([]byte) (runtime.Object, error)) (watch.Event, error) {
	t, err := e.Type.WatchEventType()
	if err != nil {
		return watch.Event{}, err
	}
	if t == watch.Error {
		status := &k8smetav1.Status{}
		if err := json.Unmarshal(e.Resource, status); err != nil {
			return watch.Event{}, fmt.Errorf("failed to decode error event: %w", err)
		}
		return watch.Event{Type: t, Object: status}, nil
	}
	obj, err := decode(e.Resource)
	if err != nil {
		return watch.Event{}, err
	}
	return watch.Event{Type: t, Object: obj}, nil
}
