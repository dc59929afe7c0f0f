package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LifecycleManager starts components after their dependencies and stops them in
// reverse order. Sample start-up order for the relay:
//
//	startOrder = []string{
//		"bus",      // No dependencies
//		"monitor",  // Depends on bus
//		"relay",    // Depends on bus
//		"mqtt",     // No dependencies
//		"bridge",   // Depends on mqtt, relay
//		"scenario", // Depends on relay
//	}
type LifecycleManager struct {
	components      map[string]LifecycleComponent
	dependencies    map[string][]string // component -> dependencies
	startOrder      []string
	started         []string
	mu              sync.Mutex
	running         bool
	stopped         bool
	shutdownTimeout time.Duration
}

type LifecycleComponent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func NewLifecycleManager(shutdownTimeout time.Duration) *LifecycleManager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &LifecycleManager{
		components:      make(map[string]LifecycleComponent),
		dependencies:    make(map[string][]string),
		shutdownTimeout: shutdownTimeout,
	}
}

// AddComponent registers a component under name. Dependencies may be added
// before the components they name, but must all exist when Start is called.
func (lm *LifecycleManager) AddComponent(name string, component LifecycleComponent, dependencies ...string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.running {
		return fmt.Errorf("cannot add component %s: lifecycle already started", name)
	}
	if _, exists := lm.components[name]; exists {
		return fmt.Errorf("component already registered: %s", name)
	}

	lm.components[name] = component
	lm.dependencies[name] = dependencies

	if err := lm.checkCircularDependency(name); err != nil {
		delete(lm.components, name)
		delete(lm.dependencies, name)
		return fmt.Errorf("circular dependency detected: %w", err)
	}
	return nil
}

// StartOrder returns the order Start would use.
func (lm *LifecycleManager) StartOrder() ([]string, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if err := lm.calculateStartOrder(); err != nil {
		return nil, err
	}
	return append([]string(nil), lm.startOrder...), nil
}

func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.running {
		return fmt.Errorf("lifecycle already started")
	}
	if err := lm.calculateStartOrder(); err != nil {
		return fmt.Errorf("failed to calculate start order: %w", err)
	}

	for _, name := range lm.startOrder {
		if err := lm.components[name].Start(ctx); err != nil {
			// Stop already started components
			lm.stopComponents(ctx)
			return fmt.Errorf("failed to start component %s: %w", name, err)
		}
		lm.started = append(lm.started, name)
	}

	lm.running = true
	return nil
}

func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.stopped || !lm.running {
		return nil
	}

	lm.stopped = true
	return lm.stopComponents(ctx)
}

func (lm *LifecycleManager) checkCircularDependency(componentID string) error {
	visited := make(map[string]bool)
	return lm.checkCircularDependencyRecursive(componentID, lm.dependencies[componentID], visited)
}

func (lm *LifecycleManager) checkCircularDependencyRecursive(currentID string, dependencies []string, visited map[string]bool) error {
	for _, dep := range dependencies {
		if dep == currentID {
			return fmt.Errorf("%s depends on itself", currentID)
		}

		if visited[dep] {
			continue
		}

		visited[dep] = true
		if deps, exist := lm.dependencies[dep]; exist {
			if err := lm.checkCircularDependencyRecursive(currentID, deps, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// calculateStartOrder runs Kahn's algorithm over the dependency graph. Ties are
// broken by name so the order is stable.
func (lm *LifecycleManager) calculateStartOrder() error {
	inDegree := make(map[string]int, len(lm.dependencies))
	dependents := make(map[string][]string)

	for name, deps := range lm.dependencies {
		inDegree[name] += 0
		for _, dep := range deps {
			if _, exists := lm.components[dep]; !exists {
				return fmt.Errorf("component %s depends on unknown component %s", name, dep)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	// Find nodes with no dependencies
	queue := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(inDegree))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		next := dependents[current]
		sort.Strings(next)
		for _, neighbor := range next {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(order) != len(lm.dependencies) {
		return fmt.Errorf("circular dependency detected")
	}

	lm.startOrder = order
	return nil
}

func (lm *LifecycleManager) stopComponents(ctx context.Context) error {
	var lastErr error

	for i := len(lm.started) - 1; i >= 0; i-- {
		name := lm.started[i]

		stopCtx, cancel := context.WithTimeout(ctx, lm.shutdownTimeout)
		if err := lm.components[name].Stop(stopCtx); err != nil {
			lastErr = fmt.Errorf("failed to stop component %s: %w", name, err)
		}
		cancel()
	}
	lm.started = nil

	return lastErr
}
