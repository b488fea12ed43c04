package registry

import (
	"fmt"
	"net/http"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/strategicpatch"
)

// ApplyPatch 把 patch 应用到 original 上。
// dataStruct 是目标类型的一个零值实例，strategic merge patch 通过它读取字段的合并策略。
func ApplyPatch(original []byte, patch Patch, dataStruct interface{}) ([]byte, error) {
	switch patch.Type {
	case types.JSONPatchType:
		p, err := jsonpatch.DecodePatch(patch.Data)
		if err != nil {
			return nil, errors.NewBadRequest(fmt.Sprintf("invalid json patch: %v", err))
		}
		patched, err := p.Apply(original)
		if err != nil {
			return nil, errors.NewBadRequest(fmt.Sprintf("failed to apply json patch: %v", err))
		}
		return patched, nil
	case types.MergePatchType:
		patched, err := jsonpatch.MergePatch(original, patch.Data)
		if err != nil {
			return nil, errors.NewBadRequest(fmt.Sprintf("failed to apply merge patch: %v", err))
		}
		return patched, nil
	case types.StrategicMergePatchType:
		patched, err := strategicpatch.StrategicMergePatch(original, patch.Data, dataStruct)
		if err != nil {
			return nil, errors.NewBadRequest(fmt.Sprintf("failed to apply strategic merge patch: %v", err))
		}
		return patched, nil
	default:
		return nil, NewUnsupportedPatchType(string(patch.Type))
	}
}

// NewUnsupportedPatchType 返回 415 状态错误，apierrors.IsUnsupportedMediaType 可以识别它
func NewUnsupportedPatchType(patchType string) *errors.StatusError {
	return &errors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusUnsupportedMediaType,
		Reason:  metav1.StatusReasonUnsupportedMediaType,
		Message: fmt.Sprintf("unsupported patch type %q", patchType),
	}}
}
