package addons

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/meshadm/meshadm/internal/config"
	"github.com/meshadm/meshadm/internal/k8s"
	"github.com/meshadm/meshadm/internal/util/ptr"
)

const (
	// FlannelNamespace and FlannelDaemonSet locate the flannel workload
	// for readiness polling.
	FlannelNamespace = "kube-flannel"
	FlannelDaemonSet = "kube-flannel-ds"

	flannelServiceAccount = "flannel"
	flannelConfigMap      = "kube-flannel-cfg"

	defaultFlannelVersion   = "v0.24.4"
	flannelCNIPluginVersion = "v1.4.0-flannel1"

	flannelImage          = "docker.io/flannel/flannel"
	flannelCNIPluginImage = "docker.io/flannel/flannel-cni-plugin"
)

// flannelCNIConf is the conflist installed to /etc/cni/net.d on every node.
// Static: per-node subnet data lives in /run/flannel/subnet.env.
const flannelCNIConf = `{
  "name": "cbr0",
  "cniVersion": "0.3.1",
  "plugins": [
    {
      "type": "flannel",
      "delegate": {
        "hairpinMode": true,
        "isDefaultGateway": true
      }
    },
    {
      "type": "portmap",
      "capabilities": {
        "portMappings": true
      }
    }
  ]
}
`

// Flannel renders and applies the flannel overlay with the vxlan backend,
// bound to the WireGuard interface so pod traffic rides the mesh.
type Flannel struct {
	// Supernet is the pod network handed to the vxlan backend.
	Supernet string

	// Interface is the host interface flanneld binds, the wg device.
	Interface string

	Version string
	Timeout time.Duration
}

// NewFlannel builds the provider from the roster.
func NewFlannel(cfg *config.Config) *Flannel {
	version := cfg.CNI.Version
	if version == "" {
		version = defaultFlannelVersion
	}
	return &Flannel{
		Supernet:  cfg.Network.PodSupernet,
		Interface: cfg.VPN.Interface,
		Version:   version,
		Timeout:   5 * time.Minute,
	}
}

func (f *Flannel) Name() string { return string(config.CNIFlannel) }

func (f *Flannel) DaemonSet() (string, string) { return FlannelNamespace, FlannelDaemonSet }

// Install applies the rendered objects and waits for the DaemonSet to
// cover every node.
func (f *Flannel) Install(ctx context.Context, client k8s.Client) error {
	manifests, err := f.Manifests()
	if err != nil {
		return fmt.Errorf("failed to render flannel manifests: %w", err)
	}
	if err := client.ApplyManifests(ctx, manifests); err != nil {
		return err
	}
	return client.WaitForDaemonSetReady(ctx, FlannelNamespace, FlannelDaemonSet, f.Timeout)
}

// Manifests renders the flannel objects as multi-document YAML. Objects
// are typed throughout and serialized once, here.
func (f *Flannel) Manifests() ([]byte, error) {
	configMap, err := f.configMap()
	if err != nil {
		return nil, err
	}

	objects := []any{
		f.namespace(),
		f.serviceAccount(),
		f.clusterRole(),
		f.clusterRoleBinding(),
		configMap,
		f.daemonSet(),
	}

	docs := make([]string, 0, len(objects))
	for _, obj := range objects {
		data, err := sigsyaml.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %T: %w", obj, err)
		}
		docs = append(docs, string(data))
	}
	return []byte(strings.Join(docs, "---\n")), nil
}

func (f *Flannel) namespace() *corev1.Namespace {
	return &corev1.Namespace{
		TypeMeta: metav1.TypeMeta{Kind: "Namespace", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name: FlannelNamespace,
			Labels: map[string]string{
				"pod-security.kubernetes.io/enforce": "privileged",
			},
		},
	}
}

func (f *Flannel) serviceAccount() *corev1.ServiceAccount {
	return &corev1.ServiceAccount{
		TypeMeta: metav1.TypeMeta{Kind: "ServiceAccount", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      flannelServiceAccount,
			Namespace: FlannelNamespace,
		},
	}
}

func (f *Flannel) clusterRole() *rbacv1.ClusterRole {
	return &rbacv1.ClusterRole{
		TypeMeta:   metav1.TypeMeta{Kind: "ClusterRole", APIVersion: "rbac.authorization.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: flannelServiceAccount},
		Rules: []rbacv1.PolicyRule{
			{
				APIGroups: []string{""},
				Resources: []string{"pods"},
				Verbs:     []string{"get"},
			},
			{
				APIGroups: []string{""},
				Resources: []string{"nodes"},
				Verbs:     []string{"get", "list", "watch"},
			},
			{
				APIGroups: []string{""},
				Resources: []string{"nodes/status"},
				Verbs:     []string{"patch"},
			},
		},
	}
}

func (f *Flannel) clusterRoleBinding() *rbacv1.ClusterRoleBinding {
	return &rbacv1.ClusterRoleBinding{
		TypeMeta:   metav1.TypeMeta{Kind: "ClusterRoleBinding", APIVersion: "rbac.authorization.k8s.io/v1"},
		ObjectMeta: metav1.ObjectMeta{Name: flannelServiceAccount},
		RoleRef: rbacv1.RoleRef{
			APIGroup: "rbac.authorization.k8s.io",
			Kind:     "ClusterRole",
			Name:     flannelServiceAccount,
		},
		Subjects: []rbacv1.Subject{
			{
				Kind:      "ServiceAccount",
				Name:      flannelServiceAccount,
				Namespace: FlannelNamespace,
			},
		},
	}
}

func (f *Flannel) configMap() (*corev1.ConfigMap, error) {
	type backend struct {
		Type string `json:"Type"`
	}
	type netConf struct {
		Network string  `json:"Network"`
		Backend backend `json:"Backend"`
	}

	data, err := json.MarshalIndent(netConf{
		Network: f.Supernet,
		Backend: backend{Type: "vxlan"},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal net-conf.json: %w", err)
	}

	return &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{Kind: "ConfigMap", APIVersion: "v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      flannelConfigMap,
			Namespace: FlannelNamespace,
			Labels:    map[string]string{"app": "flannel"},
		},
		Data: map[string]string{
			"cni-conf.json": flannelCNIConf,
			"net-conf.json": string(data) + "\n",
		},
	}, nil
}

func (f *Flannel) daemonSet() *appsv1.DaemonSet {
	labels := map[string]string{"app": "flannel"}
	hostPathFileOrCreate := corev1.HostPathFileOrCreate

	return &appsv1.DaemonSet{
		TypeMeta: metav1.TypeMeta{Kind: "DaemonSet", APIVersion: "apps/v1"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      FlannelDaemonSet,
			Namespace: FlannelNamespace,
			Labels:    labels,
		},
		Spec: appsv1.DaemonSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					HostNetwork:        true,
					PriorityClassName:  "system-node-critical",
					ServiceAccountName: flannelServiceAccount,
					Tolerations: []corev1.Toleration{
						{Operator: corev1.TolerationOpExists, Effect: corev1.TaintEffectNoSchedule},
					},
					Affinity: &corev1.Affinity{
						NodeAffinity: &corev1.NodeAffinity{
							RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
								NodeSelectorTerms: []corev1.NodeSelectorTerm{
									{
										MatchExpressions: []corev1.NodeSelectorRequirement{
											{
												Key:      "kubernetes.io/os",
												Operator: corev1.NodeSelectorOpIn,
												Values:   []string{"linux"},
											},
										},
									},
								},
							},
						},
					},
					InitContainers: []corev1.Container{
						{
							Name:    "install-cni-plugin",
							Image:   flannelCNIPluginImage + ":" + flannelCNIPluginVersion,
							Command: []string{"cp"},
							Args:    []string{"-f", "/flannel", "/opt/cni/bin/flannel"},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "cni-plugin", MountPath: "/opt/cni/bin"},
							},
						},
						{
							Name:    "install-cni",
							Image:   flannelImage + ":" + f.Version,
							Command: []string{"cp"},
							Args:    []string{"-f", "/etc/kube-flannel/cni-conf.json", "/etc/cni/net.d/10-flannel.conflist"},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "cni", MountPath: "/etc/cni/net.d"},
								{Name: "flannel-cfg", MountPath: "/etc/kube-flannel/"},
							},
						},
					},
					Containers: []corev1.Container{
						{
							Name:    "kube-flannel",
							Image:   flannelImage + ":" + f.Version,
							Command: []string{"/opt/bin/flanneld"},
							Args: []string{
								"--ip-masq",
								"--kube-subnet-mgr",
								"--iface=" + f.Interface,
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("100m"),
									corev1.ResourceMemory: resource.MustParse("50Mi"),
								},
							},
							SecurityContext: &corev1.SecurityContext{
								Privileged: ptr.Bool(false),
								Capabilities: &corev1.Capabilities{
									Add: []corev1.Capability{"NET_ADMIN", "NET_RAW"},
								},
							},
							Env: []corev1.EnvVar{
								{
									Name: "POD_NAME",
									ValueFrom: &corev1.EnvVarSource{
										FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"},
									},
								},
								{
									Name: "POD_NAMESPACE",
									ValueFrom: &corev1.EnvVarSource{
										FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.namespace"},
									},
								},
								{Name: "EVENT_QUEUE_DEPTH", Value: "5000"},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: "run", MountPath: "/run/flannel"},
								{Name: "flannel-cfg", MountPath: "/etc/kube-flannel/"},
								{Name: "xtables-lock", MountPath: "/run/xtables.lock"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "run",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: "/run/flannel"},
							},
						},
						{
							Name: "cni-plugin",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: "/opt/cni/bin"},
							},
						},
						{
							Name: "cni",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{Path: "/etc/cni/net.d"},
							},
						},
						{
							Name: "flannel-cfg",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: flannelConfigMap},
								},
							},
						},
						{
							Name: "xtables-lock",
							VolumeSource: corev1.VolumeSource{
								HostPath: &corev1.HostPathVolumeSource{
									Path: "/run/xtables.lock",
									Type: &hostPathFileOrCreate,
								},
							},
						},
					},
				},
			},
		},
	}
}
