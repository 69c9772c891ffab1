// Copyright 2023 The Sigstore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package providers

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func metaListOptions(labelSelector, fieldSelector string) metav1.ListOptions {
	return metav1.ListOptions{
		LabelSelector: labelSelector,
		FieldSelector: fieldSelector,
	}
}

func metaGetOptions() metav1.GetOptions {
	return metav1.GetOptions{}
}

func metaCreateOptions() metav1.CreateOptions {
	return metav1.CreateOptions{}
}
