package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/definitions"
	metav1 "github.com/neuroglia-io/cloud-streams-sub001/pkg/apis/meta/v1"
	"github.com/neuroglia-io/cloud-streams-sub001/pkg/util"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	k8smetav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

var (
	// _metadataBucketKey 是一个特殊的 bucket，用于存放 registry 的元数据。
	_metadataBucketKey = []byte("_metadata")
	// _globalResourceVersionKey 是存储全局版本号的 key。
	_globalResourceVersionKey = []byte("globalResourceVersion")
)

// watchQueueLength 是每个订阅者的缓冲长度。队列满时写入方会等待。
const watchQueueLength = 100

// 编译时检查
var _ Interface = &Registry{}

// Registry 是基于 bbolt 的资源仓库。
// 每种资源类型一个 bucket，bucket 名来自资源定义的 StorageKey。
// 写入和它的事件广播在同一把锁内完成，因此同一个对象的事件顺序与 resourceVersion 一致。
type Registry struct {
	db     *bolt.DB // 直接持有 bbolt DB 实例以使用其事务
	scheme *runtime.Scheme
	defs   *definitions.Registry
	clock  clock.PassiveClock

	// writeLock 串行化所有写操作及其广播
	writeLock sync.Mutex

	// --- 事件相关的字段 ---
	broadcastersLock sync.Mutex
	broadcasters     map[schema.GroupVersionKind]*watch.Broadcaster
	closed           bool
}

// Open 打开（或创建）path 处的数据库并构造 Registry。
func Open(path string, scheme *runtime.Scheme, defs *definitions.Registry) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	r, err := NewRegistry(db, scheme, defs)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewRegistry 创建一个新的 Registry 实例。
// 它接收一个已经打开的 bbolt 数据库实例。
func NewRegistry(db *bolt.DB, scheme *runtime.Scheme, defs *definitions.Registry) (*Registry, error) {
	// 初始化元数据 bucket
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(_metadataBucketKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Registry{
		db:           db,
		scheme:       scheme,
		defs:         defs,
		clock:        clock.RealClock{},
		broadcasters: make(map[schema.GroupVersionKind]*watch.Broadcaster),
	}, nil
}

// Close 结束所有 watch 并关闭数据库。
func (r *Registry) Close() error {
	// 等待进行中的写入完成广播，Shutdown 之后不能再有 Action
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	r.broadcastersLock.Lock()
	r.closed = true
	broadcasters := r.broadcasters
	r.broadcasters = map[schema.GroupVersionKind]*watch.Broadcaster{}
	r.broadcastersLock.Unlock()

	for _, b := range broadcasters {
		b.Shutdown()
	}
	return r.db.Close()
}

func (r *Registry) Add(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, accessor, err := r.definitionFor(obj)
	if err != nil {
		return nil, err
	}
	if err := validateIdentity(def, accessor); err != nil {
		return nil, err
	}
	key := storageKey(accessor.GetNamespace(), accessor.GetName())

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	var created runtime.Object
	err = r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(def.StorageKey()))
		if err != nil {
			return err
		}
		if b.Get(key) != nil {
			return errors.NewAlreadyExists(def.GroupResource(), accessor.GetName())
		}
		rv, err := getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey))
		if err != nil {
			return err
		}

		toCreate := obj.DeepCopyObject()
		m, _ := metav1.Accessor(toCreate)
		m.SetUID(uuid.NewString())
		m.SetCreationTimestamp(k8smetav1.NewTime(r.clock.Now()))
		m.SetResourceVersion(formatRV(rv))

		data, err := Encode(r.scheme, toCreate)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		// 返回值与之后 Get 读到的完全一致（时间戳精度等）
		created, err = Decode(r.scheme, def.GroupVersionKind(), data)
		return err
	})
	if err != nil {
		return nil, err
	}

	klog.V(4).InfoS("Resource created", "kind", def.Kind, "key", string(key), "resourceVersion", util.ResourceVersionOf(created))
	r.publish(def, watch.Added, created, nil)
	return created.DeepCopyObject(), nil
}

func (r *Registry) Get(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (runtime.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, err := r.definition(gvk)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(def.StorageKey()))
		if b == nil {
			return errors.NewNotFound(def.GroupResource(), name)
		}
		v := b.Get(storageKey(namespace, name))
		if v == nil {
			return errors.NewNotFound(def.GroupResource(), name)
		}
		// bbolt 返回的切片只在事务内有效
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Decode(r.scheme, gvk, data)
}

func (r *Registry) List(ctx context.Context, gvk schema.GroupVersionKind, opts ListOptions) (runtime.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, err := r.definition(gvk)
	if err != nil {
		return nil, err
	}
	list, err := r.scheme.New(def.ListGroupVersionKind())
	if err != nil {
		return nil, err
	}

	var items []runtime.Object
	var rv uint64
	err = r.db.View(func(tx *bolt.Tx) error {
		rv = currentGlobalRV(tx.Bucket(_metadataBucketKey))
		b := tx.Bucket([]byte(def.StorageKey()))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			obj, err := Decode(r.scheme, gvk, v)
			if err != nil {
				klog.ErrorS(err, "Skipping undecodable resource", "kind", def.Kind, "key", string(k))
				return nil
			}
			accessor, err := metav1.Accessor(obj)
			if err != nil {
				return err
			}
			if opts.matches(accessor.GetNamespace(), accessor.GetLabels()) {
				items = append(items, obj)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if err := meta.SetList(list, items); err != nil {
		return nil, err
	}
	if lm, ok := list.(interface{ SetResourceVersion(string) }); ok {
		lm.SetResourceVersion(formatRV(rv))
	}
	list.GetObjectKind().SetGroupVersionKind(def.ListGroupVersionKind())
	return list, nil
}

func (r *Registry) Watch(ctx context.Context, gvk schema.GroupVersionKind, opts ListOptions) (watch.Interface, error) {
	def, err := r.definition(gvk)
	if err != nil {
		return nil, err
	}
	b, err := r.broadcasterFor(def)
	if err != nil {
		return nil, err
	}
	w, err := b.Watch()
	if err != nil {
		return nil, err
	}
	return newFilteredWatcher(ctx, w, opts), nil
}

func (r *Registry) Update(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	return r.update(ctx, obj, false)
}

func (r *Registry) UpdateStatus(ctx context.Context, obj runtime.Object) (runtime.Object, error) {
	return r.update(ctx, obj, true)
}

func (r *Registry) update(ctx context.Context, obj runtime.Object, statusOnly bool) (runtime.Object, error) {
	def, accessor, err := r.definitionFor(obj)
	if err != nil {
		return nil, err
	}
	desired, err := Encode(r.scheme, obj)
	if err != nil {
		return nil, err
	}
	expectedRV := accessor.GetResourceVersion()
	name := accessor.GetName()
	return r.modify(ctx, def, accessor.GetNamespace(), name, statusOnly, func(current []byte) ([]byte, error) {
		if expectedRV == "" {
			return desired, nil
		}
		currentRV, err := resourceVersionOfDocument(current)
		if err != nil {
			return nil, err
		}
		if currentRV != expectedRV {
			return nil, errors.NewConflict(def.GroupResource(), name,
				fmt.Errorf("the object has been modified; please apply your changes to the latest version and try again"))
		}
		return desired, nil
	})
}

func (r *Registry) Patch(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch Patch) (runtime.Object, error) {
	return r.patch(ctx, gvk, namespace, name, patch, false)
}

func (r *Registry) PatchStatus(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch Patch) (runtime.Object, error) {
	return r.patch(ctx, gvk, namespace, name, patch, true)
}

func (r *Registry) patch(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string, patch Patch, statusOnly bool) (runtime.Object, error) {
	def, err := r.definition(gvk)
	if err != nil {
		return nil, err
	}
	return r.modify(ctx, def, namespace, name, statusOnly, func(current []byte) ([]byte, error) {
		dataStruct, err := r.scheme.New(gvk)
		if err != nil {
			return nil, err
		}
		return ApplyPatch(current, patch, dataStruct)
	})
}

// modify 是 Update 和 Patch 共用的读-改-写流程。
// mutate 接收当前文档并返回期望文档，之后由 mergeDocuments 决定哪些部分真正生效。
func (r *Registry) modify(ctx context.Context, def definitions.Definition, namespace, name string, statusOnly bool, mutate func(current []byte) ([]byte, error)) (runtime.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if statusOnly && !def.StatusSubresource {
		return nil, errors.NewMethodNotSupported(def.GroupResource(), "status")
	}
	key := storageKey(namespace, name)

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	var (
		updated    runtime.Object
		prevLabels map[string]string
	)
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(def.StorageKey()))
		if b == nil {
			return errors.NewNotFound(def.GroupResource(), name)
		}
		current := b.Get(key)
		if current == nil {
			return errors.NewNotFound(def.GroupResource(), name)
		}
		current = append([]byte(nil), current...)
		prev, err := Decode(r.scheme, def.GroupVersionKind(), current)
		if err != nil {
			return err
		}
		if pm, err := metav1.Accessor(prev); err == nil {
			prevLabels = pm.GetLabels()
		}

		desired, err := mutate(current)
		if err != nil {
			return err
		}
		merged, err := mergeDocuments(current, desired, statusOnly, def.StatusSubresource)
		if err != nil {
			return errors.NewBadRequest(err.Error())
		}
		obj, err := Decode(r.scheme, def.GroupVersionKind(), merged)
		if err != nil {
			return errors.NewBadRequest(err.Error())
		}

		rv, err := getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey))
		if err != nil {
			return err
		}
		m, _ := metav1.Accessor(obj)
		m.SetResourceVersion(formatRV(rv))

		data, err := Encode(r.scheme, obj)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		updated = obj
		return nil
	})
	if err != nil {
		return nil, err
	}

	klog.V(4).InfoS("Resource updated", "kind", def.Kind, "key", string(key), "status", statusOnly, "resourceVersion", util.ResourceVersionOf(updated))
	r.publish(def, watch.Modified, updated, prevLabels)
	return updated.DeepCopyObject(), nil
}

func (r *Registry) Delete(ctx context.Context, gvk schema.GroupVersionKind, namespace, name string) (runtime.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	def, err := r.definition(gvk)
	if err != nil {
		return nil, err
	}
	key := storageKey(namespace, name)

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	var deleted runtime.Object
	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(def.StorageKey()))
		if b == nil {
			return errors.NewNotFound(def.GroupResource(), name)
		}
		current := b.Get(key)
		if current == nil {
			return errors.NewNotFound(def.GroupResource(), name)
		}
		obj, err := Decode(r.scheme, gvk, current)
		if err != nil {
			return err
		}
		// 删除同样推进版本号，删除事件因此排在该对象之前所有事件之后
		rv, err := getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey))
		if err != nil {
			return err
		}
		m, _ := metav1.Accessor(obj)
		m.SetResourceVersion(formatRV(rv))
		deleted = obj
		return b.Delete(key)
	})
	if err != nil {
		return nil, err
	}

	klog.V(4).InfoS("Resource deleted", "kind", def.Kind, "key", string(key))
	r.publish(def, watch.Deleted, deleted, nil)
	return deleted.DeepCopyObject(), nil
}

// publish 是一个内部方法，用于向所有订阅者广播一个事件。
// prevLabels 是 Modified 之前的标签，filteredWatcher 据此判断资源是否进入或离开 selector。
// 调用方必须持有 writeLock。队列满时会阻塞，直到订阅者取走事件。
func (r *Registry) publish(def definitions.Definition, eventType watch.EventType, obj runtime.Object, prevLabels map[string]string) {
	b, err := r.broadcasterFor(def)
	if err != nil {
		return
	}
	if err := b.Action(eventType, &change{object: obj, prevLabels: prevLabels}); err != nil {
		klog.ErrorS(err, "Failed to broadcast event", "kind", def.Kind, "type", eventType)
	}
}

func (r *Registry) broadcasterFor(def definitions.Definition) (*watch.Broadcaster, error) {
	r.broadcastersLock.Lock()
	defer r.broadcastersLock.Unlock()
	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	gvk := def.GroupVersionKind()
	b, ok := r.broadcasters[gvk]
	if !ok {
		b = watch.NewBroadcaster(watchQueueLength, watch.WaitIfChannelFull)
		r.broadcasters[gvk] = b
	}
	return b, nil
}

func (r *Registry) definition(gvk schema.GroupVersionKind) (definitions.Definition, error) {
	def, ok := r.defs.ForKind(gvk)
	if !ok {
		return definitions.Definition{}, errors.NewBadRequest(fmt.Sprintf("no resource definition registered for %s", gvk))
	}
	return def, nil
}

func (r *Registry) definitionFor(obj runtime.Object) (definitions.Definition, metav1.Object, error) {
	gvk, err := util.GetGVK(obj, r.scheme)
	if err != nil {
		return definitions.Definition{}, nil, err
	}
	def, err := r.definition(gvk)
	if err != nil {
		return definitions.Definition{}, nil, err
	}
	accessor, err := metav1.Accessor(obj)
	if err != nil {
		return definitions.Definition{}, nil, err
	}
	return def, accessor, nil
}

// validateIdentity 校验名字和命名空间是否符合资源的作用域
func validateIdentity(def definitions.Definition, accessor metav1.Object) error {
	var errs field.ErrorList
	metaPath := field.NewPath("metadata")
	name := accessor.GetName()
	if name == "" {
		errs = append(errs, field.Required(metaPath.Child("name"), "name is required"))
	} else {
		for _, msg := range validation.IsDNS1123Subdomain(name) {
			errs = append(errs, field.Invalid(metaPath.Child("name"), name, msg))
		}
	}
	namespace := accessor.GetNamespace()
	switch {
	case def.Namespaced() && namespace == "":
		errs = append(errs, field.Required(metaPath.Child("namespace"), "namespace is required for namespaced resources"))
	case !def.Namespaced() && namespace != "":
		errs = append(errs, field.Forbidden(metaPath.Child("namespace"), "cluster-scoped resources have no namespace"))
	case namespace != "":
		for _, msg := range validation.IsDNS1123Label(namespace) {
			errs = append(errs, field.Invalid(metaPath.Child("namespace"), namespace, msg))
		}
	}
	if len(errs) > 0 {
		return errors.NewInvalid(def.GroupVersionKind().GroupKind(), name, errs)
	}
	return nil
}

// storageKey 是对象在 bucket 内的 key：集群级资源为 name，命名空间资源为 namespace/name
func storageKey(namespace, name string) []byte {
	return []byte(cache.ObjectName{Namespace: namespace, Name: name}.String())
}

// mergeDocuments 根据子资源语义合并当前文档和期望文档。
// 身份字段（name、namespace、uid、creationTimestamp）永远以存储中的为准。
func mergeDocuments(current, desired []byte, statusOnly, hasStatus bool) ([]byte, error) {
	var cur, des map[string]interface{}
	if err := json.Unmarshal(current, &cur); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(desired, &des); err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if statusOnly {
		out = cur
		setOrDelete(out, "status", des["status"])
	} else {
		out = des
		if hasStatus {
			setOrDelete(out, "status", cur["status"])
		}
	}

	curMeta, _ := cur["metadata"].(map[string]interface{})
	outMeta, _ := out["metadata"].(map[string]interface{})
	if outMeta == nil {
		outMeta = map[string]interface{}{}
	}
	for _, f := range []string{"name", "namespace", "uid", "creationTimestamp"} {
		setOrDelete(outMeta, f, curMeta[f])
	}
	out["metadata"] = outMeta
	out["apiVersion"] = cur["apiVersion"]
	out["kind"] = cur["kind"]
	return json.Marshal(out)
}

func setOrDelete(m map[string]interface{}, key string, value interface{}) {
	if value == nil {
		delete(m, key)
		return
	}
	m[key] = value
}

func resourceVersionOfDocument(data []byte) (string, error) {
	var doc struct {
		Metadata struct {
			ResourceVersion string `json:"resourceVersion"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return doc.Metadata.ResourceVersion, nil
}

func formatRV(rv uint64) string {
	return strconv.FormatUint(rv, 10)
}

func currentGlobalRV(metaBucket *bolt.Bucket) uint64 {
	currentRVBytes := metaBucket.Get(_globalResourceVersionKey)
	if currentRVBytes == nil {
		return 0
	}
	return binary.BigEndian.Uint64(currentRVBytes)
}

// getAndIncrementGlobalRV 是一个在事务内部调用的辅助函数。
// bbolt 同一时刻只允许一个写事务，因此读取和递增不会交错。
func getAndIncrementGlobalRV(metaBucket *bolt.Bucket) (uint64, error) {
	newRV := currentGlobalRV(metaBucket) + 1

	newRVBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(newRVBytes, newRV)

	if err := metaBucket.Put(_globalResourceVersionKey, newRVBytes); err != nil {
		return 0, err
	}

	return newRV, nil
}
