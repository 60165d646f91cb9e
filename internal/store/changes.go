// Copyright 2025 The AgentFlow Authors
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

package store

// Changes accumulates one evaluator iteration's writes so they can be
// committed atomically. A step created during the iteration and then
// mutated again stays in CreatedSteps only; AddUpdatedStep is a no-op
// for steps the accumulator already tracks.
type Changes struct {
	CreatedSteps  []*Step
	UpdatedSteps  []*Step
	CreatedEvents []*Event
	UpdatedEvents []*Event
	CreatedTasks  []*Task

	trackedSteps  map[string]struct{}
	trackedEvents map[string]struct{}
}

// NewChanges returns an empty accumulator.
func NewChanges() *Changes {
	return &Changes{
		trackedSteps:  make(map[string]struct{}),
		trackedEvents: make(map[string]struct{}),
	}
}

// AddCreatedStep records a step created this iteration.
func (c *Changes) AddCreatedStep(step *Step) {
	if _, ok := c.trackedSteps[step.ID]; ok {
		return
	}
	c.trackedSteps[step.ID] = struct{}{}
	c.CreatedSteps = append(c.CreatedSteps, step)
}

// AddUpdatedStep records a pre-existing step mutated this iteration.
func (c *Changes) AddUpdatedStep(step *Step) {
	if _, ok := c.trackedSteps[step.ID]; ok {
		return
	}
	c.trackedSteps[step.ID] = struct{}{}
	c.UpdatedSteps = append(c.UpdatedSteps, step)
}

// AddCreatedEvent records an event created this iteration.
func (c *Changes) AddCreatedEvent(event *Event) {
	if _, ok := c.trackedEvents[event.ID]; ok {
		return
	}
	c.trackedEvents[event.ID] = struct{}{}
	c.CreatedEvents = append(c.CreatedEvents, event)
}

// AddUpdatedEvent records a pre-existing event mutated this iteration.
func (c *Changes) AddUpdatedEvent(event *Event) {
	if _, ok := c.trackedEvents[event.ID]; ok {
		return
	}
	c.trackedEvents[event.ID] = struct{}{}
	c.UpdatedEvents = append(c.UpdatedEvents, event)
}

// AddCreatedTask records a task created this iteration.
func (c *Changes) AddCreatedTask(task *Task) {
	c.CreatedTasks = append(c.CreatedTasks, task)
}

// Empty reports whether the accumulator holds no changes. Committing an
// empty accumulator is a no-op.
func (c *Changes) Empty() bool {
	return len(c.CreatedSteps) == 0 &&
		len(c.UpdatedSteps) == 0 &&
		len(c.CreatedEvents) == 0 &&
		len(c.UpdatedEvents) == 0 &&
		len(c.CreatedTasks) == 0
}

// Len returns the total number of accumulated records.
func (c *Changes) Len() int {
	return len(c.CreatedSteps) +
		len(c.UpdatedSteps) +
		len(c.CreatedEvents) +
		len(c.UpdatedEvents) +
		len(c.CreatedTasks)
}
