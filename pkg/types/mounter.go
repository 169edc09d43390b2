/*
Copyright © 2024 - 2026 the multibootd authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import (
	mountutils "k8s.io/mount-utils"
)

// K8sMounter adapts k8s.io/mount-utils.Interface to the Mounter interface,
// the same dependency most mount-management Config.Mounter fields use.
type K8sMounter struct {
	iface mountutils.Interface
}

// NewMounter returns a Mounter backed by the real mount(2)/umount(2) system
// calls via k8s.io/mount-utils.
func NewMounter() *K8sMounter {
	return &K8sMounter{iface: mountutils.New("")}
}

func (m *K8sMounter) Mount(source, target, fstype string, options []string) error {
	return m.iface.Mount(source, target, fstype, options)
}

func (m *K8sMounter) Unmount(target string) error {
	return mountutils.CleanupMountPoint(target, m.iface, false)
}

func (m *K8sMounter) IsLikelyNotMountPoint(file string) (bool, error) {
	return m.iface.IsLikelyNotMountPoint(file)
}

func (m *K8sMounter) List() ([]MountPoint, error) {
	list, err := m.iface.List()
	if err != nil {
		return nil, err
	}
	out := make([]MountPoint, 0, len(list))
	for _, mp := range list {
		out = append(out, MountPoint{Device: mp.Device, Path: mp.Path, Type: mp.Type, Opts: mp.Opts})
	}
	return out, nil
}
