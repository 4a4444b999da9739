/*
Copyright 2026.

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

package controller

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/artifacts"
	"github.com/homystack/nio/internal/config"
	"github.com/homystack/nio/internal/errs"
	"github.com/homystack/nio/internal/events"
	"github.com/homystack/nio/internal/gitfetch"
	"github.com/homystack/nio/internal/knownhosts"
	"github.com/homystack/nio/internal/metrics"
	"github.com/homystack/nio/internal/retry"
	"github.com/homystack/nio/internal/runner"
	"github.com/homystack/nio/internal/sshsession"
	"github.com/homystack/nio/internal/validate"
	"github.com/homystack/nio/internal/workdir"
)

// NixosConfigurationReconciler drives `nixos-rebuild switch` and
// `nixos-anywhere` against the Machine a NixosConfiguration targets,
// tracking applied state in both resources' status.
type NixosConfigurationReconciler struct {
	client.Client
	Scheme     *runtime.Scheme
	Recorder   record.EventRecorder
	Config     *config.Config
	KnownHosts *knownhosts.Store
}

//+kubebuilder:rbac:groups=nio.homystack.com,resources=nixosconfigurations,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=nio.homystack.com,resources=nixosconfigurations/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=nio.homystack.com,resources=nixosconfigurations/finalizers,verbs=update
//+kubebuilder:rbac:groups=nio.homystack.com,resources=machines,verbs=get;list;watch;update;patch
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile resolves the target Machine, fetches the configured flake at
// its latest commit, materializes additional files, and — if anything
// changed — applies it via the External Command Runner.
func (r *NixosConfigurationReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)
	start := time.Now()

	cfgObj := &niov1alpha1.NixosConfiguration{}
	if err := r.Get(ctx, req.NamespacedName, cfgObj); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	bus := events.New(r.Recorder)
	secrets := newSecretAdapter(r.Client)

	if !cfgObj.DeletionTimestamp.IsZero() {
		return r.reconcileDeletion(ctx, cfgObj, bus, secrets)
	}

	if !controllerutil.ContainsFinalizer(cfgObj, niov1alpha1.Finalizer) {
		controllerutil.AddFinalizer(cfgObj, niov1alpha1.Finalizer)
		if err := r.Update(ctx, cfgObj); err != nil {
			return ctrl.Result{}, err
		}
	}

	result, err := r.reconcileApply(ctx, cfgObj, bus, secrets)
	metrics.ReconcileDuration.WithLabelValues(cfgObj.Namespace, cfgObj.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconcileErrors.WithLabelValues(cfgObj.Namespace, cfgObj.Name, errorKind(err)).Inc()
		logger.Error(err, "reconcile failed", "configuration", cfgObj.Name)
	}
	return result, err
}

// reconcileApply is the main convergence path: validate, resolve the
// target Machine, fetch the flake, inject additional files, detect
// whether anything changed, and apply if so.
func (r *NixosConfigurationReconciler) reconcileApply(ctx context.Context, cfgObj *niov1alpha1.NixosConfiguration, bus *events.Bus, secrets secretAdapter) (ctrl.Result, error) {
	spec := cfgObj.Spec
	requeueAfter := r.Config.ReconcileInterval

	if err := validateSpec(spec); err != nil {
		r.setCondition(cfgObj, metav1.ConditionFalse, niov1alpha1.ReasonValidationError, err.Error())
		bus.Warn(cfgObj, niov1alpha1.ReasonValidationError, "%v", err)
		return r.patchStatus(ctx, cfgObj, requeueAfter)
	}

	machine := &niov1alpha1.Machine{}
	machineKey := client.ObjectKey{Namespace: cfgObj.Namespace, Name: spec.MachineRef.Name}
	if err := r.Get(ctx, machineKey, machine); err != nil {
		if errors.IsNotFound(err) {
			r.setCondition(cfgObj, metav1.ConditionFalse, niov1alpha1.ReasonMissingCredentials, fmt.Sprintf("target machine %s not found", spec.MachineRef.Name))
			bus.Warn(cfgObj, events.ReasonMachineNotDiscoverable, "target machine %s not found", spec.MachineRef.Name)
			return r.patchStatus(ctx, cfgObj, requeueAfter)
		}
		return ctrl.Result{}, err
	}

	if !machine.Status.Discoverable {
		r.setCondition(cfgObj, metav1.ConditionFalse, niov1alpha1.ReasonMissingCredentials, fmt.Sprintf("machine %s is not discoverable", machine.Name))
		bus.Warn(cfgObj, events.ReasonMachineNotDiscoverable, "machine %s is not currently reachable over SSH", machine.Name)
		return r.patchStatus(ctx, cfgObj, requeueAfter)
	}

	flakeRef := workdir.ParseFlakeReference(spec.Flake)
	repoURL := spec.GitRepo
	repoName := flakeRef.RepoName
	if repoName == "" || repoName == "unknown" {
		repoName = workdir.ExtractRepoName(repoURL)
	}

	retryPolicy := retry.Policy{
		MaxAttempts:     r.Config.RetryMaxAttempts,
		InitialDelay:    r.Config.RetryInitialDelay,
		MaxDelay:        r.Config.RetryMaxDelay,
		ExponentialBase: retry.DefaultPolicy().ExponentialBase,
	}

	commitHash := flakeRef.CommitHash
	if commitHash == "" || commitHash == workdir.Floating || commitHash == "unknown" || commitHash == "local" {
		var resolveErr error
		gitStart := time.Now()
		err := retry.Do(ctx, retryPolicy, retry.IsRetryable, func(attempt int) error {
			hash, err := gitfetch.RemoteCommitHash(ctx, repoURL, spec.CredentialsRef, cfgObj.Namespace, secrets)
			if err != nil {
				metrics.RetriesTotal.WithLabelValues("remote_commit_hash", fmt.Sprint(attempt)).Inc()
				resolveErr = err
				return err
			}
			commitHash = hash
			return nil
		})
		metrics.RecordGitClone(cfgObj.Namespace, repoName, err == nil, time.Since(gitStart).Seconds())
		if err != nil {
			metrics.RetriesExhausted.WithLabelValues("remote_commit_hash").Inc()
			r.setCondition(cfgObj, metav1.ConditionFalse, niov1alpha1.ReasonBuildFailed, fmt.Sprintf("resolving remote commit: %v", resolveErr))
			bus.Error(cfgObj, niov1alpha1.ReasonBuildFailed, "failed to resolve remote commit for %s: %v", repoURL, resolveErr)
			return r.patchStatus(ctx, cfgObj, requeueAfter)
		}
	}

	checkoutPath := workdir.Path(r.Config.BaseDir, cfgObj.Namespace, cfgObj.Name, repoName, commitHash)
	var cloneErr error
	cloneStart := time.Now()
	err := retry.Do(ctx, retryPolicy, retry.IsRetryable, func(attempt int) error {
		_, _, err := gitfetch.Clone(ctx, repoURL, checkoutPath, commitHash, spec.CredentialsRef, cfgObj.Namespace, secrets)
		if err != nil {
			metrics.RetriesTotal.WithLabelValues("clone", fmt.Sprint(attempt)).Inc()
			cloneErr = err
			return err
		}
		return nil
	})
	metrics.RecordGitClone(cfgObj.Namespace, repoName, err == nil, time.Since(cloneStart).Seconds())
	if err != nil {
		metrics.RetriesExhausted.WithLabelValues("clone").Inc()
		r.setCondition(cfgObj, metav1.ConditionFalse, niov1alpha1.ReasonBuildFailed, fmt.Sprintf("cloning %s: %v", repoURL, cloneErr))
		bus.Error(cfgObj, niov1alpha1.ReasonBuildFailed, "failed to clone %s at %s: %v", repoURL, commitHash, cloneErr)
		return r.patchStatus(ctx, cfgObj, requeueAfter)
	}
	defer func() {
		_ = workdir.GCPeer(checkoutPath, r.Config.GCMaxAge)
	}()

	additionalFileSpecs := toAdditionalFileSpecs(spec.AdditionalFiles)
	configurationHash, err := artifacts.Inject(ctx, checkoutPath, spec, cfgObj.Namespace, machine, secrets, bus, *cfgObj)
	if err != nil {
		r.setCondition(cfgObj, metav1.ConditionFalse, niov1alpha1.ReasonBuildFailed, fmt.Sprintf("materializing additional files: %v", err))
		bus.Error(cfgObj, niov1alpha1.ReasonBuildFailed, "failed to materialize additional files: %v", err)
		return r.patchStatus(ctx, cfgObj, requeueAfter)
	}

	additionalFilesHash, err := workdir.AdditionalFilesHash(additionalFileSpecs, artifacts.NixosFacts(machine))
	if err != nil {
		return ctrl.Result{}, err
	}

	needsFullInstall := spec.FullInstall && !cfgObj.Status.FullDiskInstallCompleted
	changed := needsFullInstall ||
		cfgObj.Status.AppliedCommit != commitHash ||
		cfgObj.Status.AdditionalFilesHash != additionalFilesHash

	if !changed {
		return r.patchStatus(ctx, cfgObj, requeueAfter)
	}

	applyErr := r.apply(ctx, cfgObj, machine, spec, flakeRef, checkoutPath, needsFullInstall, bus, secrets)
	if applyErr != nil {
		r.setCondition(cfgObj, metav1.ConditionFalse, applyFailureReason(applyErr), applyErr.Error())
		bus.Error(cfgObj, niov1alpha1.ReasonBuildFailed, "apply failed for %s: %v", machine.Name, applyErr)
		metrics.ConfigurationsFailed.WithLabelValues(cfgObj.Namespace, machine.Name, errorKind(applyErr)).Inc()
		return r.patchStatus(ctx, cfgObj, requeueAfter)
	}

	now := metav1.Now()
	cfgObj.Status.AppliedCommit = commitHash
	cfgObj.Status.LastAppliedTime = &now
	cfgObj.Status.TargetMachine = machine.Name
	cfgObj.Status.ConfigurationHash = configurationHash
	cfgObj.Status.AdditionalFilesHash = additionalFilesHash
	if needsFullInstall {
		cfgObj.Status.FullDiskInstallCompleted = true
	}
	r.setCondition(cfgObj, metav1.ConditionTrue, niov1alpha1.ReasonSuccess, fmt.Sprintf("applied commit %s to %s", commitHash, machine.Name))
	bus.Info(cfgObj, events.ReasonConfigurationApplied, "applied commit %s to %s", commitHash, machine.Name)
	metrics.ConfigurationsApplied.WithLabelValues(cfgObj.Namespace, machine.Name).Inc()

	if err := r.updateMachineStatus(ctx, machine, cfgObj, commitHash, now); err != nil {
		return ctrl.Result{}, err
	}

	return r.patchStatus(ctx, cfgObj, requeueAfter)
}

// apply composes and runs the nix/nixos-rebuild/nixos-anywhere invocation
// as an argv slice, never a shell string, streaming its output to the
// controller's logger and enforcing the configured wall-clock timeout.
func (r *NixosConfigurationReconciler) apply(ctx context.Context, cfgObj *niov1alpha1.NixosConfiguration, machine *niov1alpha1.Machine, spec niov1alpha1.NixosConfigurationSpec, flakeRef workdir.FlakeRef, checkoutPath string, fullInstall bool, bus *events.Bus, secrets secretAdapter) error {
	logger := log.FromContext(ctx)

	var keyFile string
	if machine.Spec.SSHKeySecretRef != nil {
		ns := machine.Spec.SSHKeySecretRef.Namespace
		if ns == "" {
			ns = machine.Namespace
		}
		data, err := secrets.GetSecretData(ctx, ns, machine.Spec.SSHKeySecretRef.Name)
		if err == nil {
			if staged, err := sshsession.StageKeyFromSecret(r.Config.SSHKeyDir, data); err == nil {
				keyFile = staged
			}
		}
	}
	if keyFile != "" {
		defer func() { _ = removeQuietly(keyFile) }()
	}

	target := machine.Spec.Hostname
	if machine.Spec.IPAddress != "" {
		target = machine.Spec.IPAddress
	}
	user := machine.Spec.SSHUser
	if user == "" {
		user = "root"
	}

	buildType := "switch"
	var name string
	var args []string
	var env []string

	if fullInstall {
		buildType = "anywhere"
		name = "nixos-anywhere"
		args = []string{"--flake", flakeTarget(checkoutPath, flakeRef), "--target-host", fmt.Sprintf("%s@%s", user, target)}
		if keyFile != "" {
			args = append(args, "-i", keyFile)
		}
	} else {
		name = "nixos-rebuild"
		args = []string{"switch", "--flake", flakeTarget(checkoutPath, flakeRef), "--target-host", fmt.Sprintf("%s@%s", user, target), "--use-remote-sudo"}
		if keyFile != "" {
			args = append(args, "--build-host", "localhost")
			env = append(os.Environ(), "NIX_SSHOPTS=-i "+keyFile)
		}
	}

	var stderrTail strings.Builder
	buildStart := time.Now()
	result, err := runner.Run(ctx, runner.Command{
		Name:    name,
		Args:    args,
		Env:     env,
		Dir:     checkoutPath,
		Timeout: r.Config.ApplyTimeout,
		OnStdout: func(line string) {
			logger.Info(line, "configuration", cfgObj.Name, "stream", "stdout")
		},
		OnStderr: func(line string) {
			logger.Error(nil, line, "configuration", cfgObj.Name, "stream", "stderr")
			if stderrTail.Len() > 4096 {
				return
			}
			stderrTail.WriteString(line)
			stderrTail.WriteString("\n")
		},
	})
	metrics.RecordNixosBuild(cfgObj.Namespace, machine.Name, buildType, err == nil && result.ExitCode == 0, time.Since(buildStart).Seconds())

	if err != nil {
		return fmt.Errorf("running %s: %w", name, err)
	}
	if result.TimedOut {
		return &errs.TimeoutError{Command: name, Timeout: r.Config.ApplyTimeout.String()}
	}
	if result.ExitCode != 0 {
		return &errs.ExternalCommandFailure{Command: name, ExitCode: result.ExitCode, StderrTail: stderrTail.String()}
	}
	return nil
}

func applyFailureReason(err error) string {
	switch err.(type) {
	case *errs.TimeoutError:
		return niov1alpha1.ReasonTimeout
	default:
		return niov1alpha1.ReasonBuildFailed
	}
}

func errorKind(err error) string {
	switch err.(type) {
	case *errs.TimeoutError:
		return "timeout"
	case *errs.ExternalCommandFailure:
		return "command_failure"
	default:
		return "error"
	}
}

func flakeTarget(checkoutPath string, ref workdir.FlakeRef) string {
	if ref.Attr == "" {
		return checkoutPath
	}
	return fmt.Sprintf("%s#%s", checkoutPath, ref.Attr)
}

func removeQuietly(path string) error {
	return os.Remove(path)
}

func toAdditionalFileSpecs(files []niov1alpha1.AdditionalFile) []workdir.AdditionalFileSpec {
	specs := make([]workdir.AdditionalFileSpec, 0, len(files))
	for _, f := range files {
		specs = append(specs, workdir.AdditionalFileSpec{
			Path:      f.Path,
			ValueType: string(f.ValueType),
			Inline:    f.Inline,
			SecretRef: f.SecretRef,
		})
	}
	return specs
}

func validateSpec(spec niov1alpha1.NixosConfigurationSpec) error {
	if err := validate.GitURL(spec.GitRepo); err != nil {
		return err
	}
	if spec.MachineRef.Name == "" {
		return fmt.Errorf("machineRef.name is required")
	}
	for _, f := range spec.AdditionalFiles {
		if err := validate.Path(f.Path, validate.DefaultMaxPathLen); err != nil {
			return err
		}
	}
	return nil
}

func (r *NixosConfigurationReconciler) setCondition(cfgObj *niov1alpha1.NixosConfiguration, status metav1.ConditionStatus, reason, message string) {
	meta.SetStatusCondition(&cfgObj.Status.Conditions, metav1.Condition{
		Type:    niov1alpha1.ConditionApplied,
		Status:  status,
		Reason:  reason,
		Message: message,
	})
}

func (r *NixosConfigurationReconciler) patchStatus(ctx context.Context, cfgObj *niov1alpha1.NixosConfiguration, requeueAfter time.Duration) (ctrl.Result, error) {
	if err := r.Status().Update(ctx, cfgObj); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{RequeueAfter: requeueAfter}, nil
}

func (r *NixosConfigurationReconciler) updateMachineStatus(ctx context.Context, machine *niov1alpha1.Machine, cfgObj *niov1alpha1.NixosConfiguration, commitHash string, appliedTime metav1.Time) error {
	machine.Status.HasConfiguration = true
	machine.Status.AppliedConfiguration = cfgObj.Name
	machine.Status.AppliedCommit = commitHash
	machine.Status.LastAppliedTime = &appliedTime
	return r.Status().Update(ctx, machine)
}

// clearMachineStatus releases the Machine's record of this configuration,
// matching update_machine_status's clearing call in the original handler's
// delete path. A Machine that is already gone is not an error here.
func (r *NixosConfigurationReconciler) clearMachineStatus(ctx context.Context, cfgObj *niov1alpha1.NixosConfiguration) error {
	machine := &niov1alpha1.Machine{}
	machineKey := client.ObjectKey{Namespace: cfgObj.Namespace, Name: cfgObj.Spec.MachineRef.Name}
	if err := r.Get(ctx, machineKey, machine); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	machine.Status.HasConfiguration = false
	machine.Status.AppliedConfiguration = ""
	machine.Status.AppliedCommit = ""
	return r.Status().Update(ctx, machine)
}

// reconcileDeletion runs the onRemoveFlake apply (if one was configured
// and a commit had already been applied) and clears the target Machine's
// configuration status before releasing the finalizer, matching the
// original implementation's release-on-delete handler.
func (r *NixosConfigurationReconciler) reconcileDeletion(ctx context.Context, cfgObj *niov1alpha1.NixosConfiguration, bus *events.Bus, secrets secretAdapter) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(cfgObj, niov1alpha1.Finalizer) {
		return ctrl.Result{}, nil
	}

	if cfgObj.Spec.OnRemoveFlake != "" && cfgObj.Status.AppliedCommit != "" {
		machine := &niov1alpha1.Machine{}
		machineKey := client.ObjectKey{Namespace: cfgObj.Namespace, Name: cfgObj.Spec.MachineRef.Name}
		if err := r.Get(ctx, machineKey, machine); err == nil && machine.Status.Discoverable {
			removeSpec := cfgObj.Spec
			removeSpec.Flake = cfgObj.Spec.OnRemoveFlake
			removeFlakeRef := workdir.ParseFlakeReference(removeSpec.Flake)
			checkoutPath := workdir.Path(r.Config.BaseDir, cfgObj.Namespace, cfgObj.Name, removeFlakeRef.RepoName, cfgObj.Status.AppliedCommit)
			if _, _, err := gitfetch.Clone(ctx, cfgObj.Spec.GitRepo, checkoutPath, cfgObj.Status.AppliedCommit, cfgObj.Spec.CredentialsRef, cfgObj.Namespace, secrets); err == nil {
				if err := r.apply(ctx, cfgObj, machine, removeSpec, removeFlakeRef, checkoutPath, false, bus, secrets); err != nil {
					bus.Warn(cfgObj, niov1alpha1.ReasonBuildFailed, "onRemoveFlake apply failed: %v", err)
				} else {
					bus.Info(cfgObj, niov1alpha1.ReasonRemoved, "applied onRemoveFlake to %s before release", machine.Name)
				}
			}
		}
	}

	if err := r.clearMachineStatus(ctx, cfgObj); err != nil {
		return ctrl.Result{}, err
	}

	controllerutil.RemoveFinalizer(cfgObj, niov1alpha1.Finalizer)
	if err := r.Update(ctx, cfgObj); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// SetupWithManager wires the reconciler into the manager.
func (r *NixosConfigurationReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.Recorder = mgr.GetEventRecorderFor("nixosconfiguration-controller")
	return ctrl.NewControllerManagedBy(mgr).
		For(&niov1alpha1.NixosConfiguration{}).
		Complete(r)
}
