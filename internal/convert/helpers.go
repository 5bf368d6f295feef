package convert

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// FormatSelector renders a label selector in the string form accepted by
// ListOptions. A nil or empty selector yields "".
func FormatSelector(sel *metav1.LabelSelector) string {
	if sel == nil || (len(sel.MatchLabels) == 0 && len(sel.MatchExpressions) == 0) {
		return ""
	}
	return metav1.FormatLabelSelector(sel)
}
