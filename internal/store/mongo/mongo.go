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

// Package mongo provides a MongoDB store implementation for distributed
// deployments.
//
// Uniqueness contracts are enforced with partial unique indexes, so
// concurrent workers on different hosts cannot create a second live
// event or running task for a step. Commit uses a multi-document
// transaction when the server supports one and falls back to sequential
// writes on standalone servers.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/agentflow/agentflow/internal/store"
	aflerrors "github.com/agentflow/agentflow/pkg/errors"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// DefaultDatabase is used when the config names no database.
const DefaultDatabase = "agentflow"

// claimAttempts bounds duplicate-key retries inside one ClaimTask call.
const claimAttempts = 3

// Store is a MongoDB storage backend.
type Store struct {
	client *mongo.Client

	steps         *mongo.Collection
	events        *mongo.Collection
	tasks         *mongo.Collection
	runners       *mongo.Collection
	flows         *mongo.Collection
	workflows     *mongo.Collection
	registrations *mongo.Collection
	servers       *mongo.Collection
	logs          *mongo.Collection
	locks         *mongo.Collection
	counters      *mongo.Collection
}

// Config contains MongoDB connection configuration.
type Config struct {
	// URI is the connection string, e.g. mongodb://localhost:27017.
	URI string

	// Database is the database name. Defaults to DefaultDatabase.
	Database string

	// ConnectTimeout bounds the initial connect and ping. Defaults to
	// 10 seconds.
	ConnectTimeout time.Duration
}

// New creates a new MongoDB store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: URI is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:        client,
		steps:         db.Collection("steps"),
		events:        db.Collection("events"),
		tasks:         db.Collection("tasks"),
		runners:       db.Collection("runners"),
		flows:         db.Collection("flows"),
		workflows:     db.Collection("workflows"),
		registrations: db.Collection("registrations"),
		servers:       db.Collection("servers"),
		logs:          db.Collection("logs"),
		locks:         db.Collection("locks"),
		counters:      db.Collection("counters"),
	}

	if err := s.ensureIndexes(pingCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	return s, nil
}

// ensureIndexes creates the indexes that carry the uniqueness contracts.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.steps.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "statement_id", Value: 1}, {Key: "block_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(
				bson.D{{Key: "statement_id", Value: bson.D{{Key: "$exists", Value: true}}}}),
		},
		{Keys: bson.D{{Key: "runner_id", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "block_id", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "step_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(
				bson.D{{Key: "live", Value: true}}),
		},
		{Keys: bson.D{{Key: "runner_id", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "step_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(
				bson.D{
					{Key: "state", Value: string(store.TaskRunning)},
					{Key: "step_id", Value: bson.D{{Key: "$exists", Value: true}}},
				}),
		},
		{Keys: bson.D{
			{Key: "state", Value: 1}, {Key: "task_list_name", Value: 1},
			{Key: "name", Value: 1}, {Key: "created_at", Value: 1},
		}},
		{Keys: bson.D{{Key: "runner_id", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.flows.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.workflows.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "flow_id", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.servers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "service_name", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "ping_time", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = s.logs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "runner_id", Value: 1}, {Key: "log_order", Value: 1}}},
	})
	return err
}

// GetStep retrieves a step by ID.
func (s *Store) GetStep(ctx context.Context, id string) (*store.Step, error) {
	var doc stepDoc
	err := s.steps.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return doc.toStep(), nil
}

// SaveStep upserts a step keyed by its ID.
func (s *Store) SaveStep(ctx context.Context, step *store.Step) error {
	now := time.Now()
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := newStepDoc(step, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	_, err = s.steps.UpdateOne(ctx, bson.M{"_id": step.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("step for statement %s in block %s already exists: %w",
				step.StatementID, step.BlockID, store.ErrConstraintViolation)
		}
		return fmt.Errorf("failed to save step: %w", err)
	}

	step.CreatedAt = createdAt
	step.UpdatedAt = now
	return nil
}

// updateStepGuarded writes an existing step only while its stored
// version matches the version the caller read, bumping it by one. The
// caller advances the in-memory Version after the commit succeeds.
func (s *Store) updateStepGuarded(ctx context.Context, step *store.Step) error {
	now := time.Now()
	doc := newStepDoc(step, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}
	set["version"] = step.Version + 1

	result, err := s.steps.UpdateOne(ctx,
		bson.M{"_id": step.ID, "version": step.Version},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("step %s was modified concurrently (read version %d): %w",
			step.ID, step.Version, store.ErrStaleVersion)
	}

	step.UpdatedAt = now
	return nil
}

// ListSteps lists steps matching the filter, oldest first.
func (s *Store) ListSteps(ctx context.Context, filter store.StepFilter) ([]*store.Step, error) {
	query := bson.M{}
	if filter.RunnerID != "" {
		query["runner_id"] = filter.RunnerID
	}
	if filter.BlockID != "" {
		query["block_id"] = filter.BlockID
	}
	if filter.ContainerID != "" {
		query["container_id"] = filter.ContainerID
	}
	if filter.State != "" {
		query["state"] = filter.State
	}
	if filter.NonTerminal {
		query["state"] = bson.M{"$nin": bson.A{store.StateStatementComplete, store.StateStatementError}}
	}

	cursor, err := s.steps.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer cursor.Close(ctx)

	var steps []*store.Step
	for cursor.Next(ctx) {
		var doc stepDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode step: %w", err)
		}
		steps = append(steps, doc.toStep())
	}
	return steps, cursor.Err()
}

// GetRootStep retrieves the workflow root step for a runner.
func (s *Store) GetRootStep(ctx context.Context, runnerID string) (*store.Step, error) {
	var doc stepDoc
	err := s.steps.FindOne(ctx, bson.M{
		"runner_id":    runnerID,
		"container_id": bson.M{"$exists": false},
	}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "root step", ID: runnerID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get root step: %w", err)
	}
	return doc.toStep(), nil
}

// StepExists reports whether a step exists for (statement_id, block_id).
func (s *Store) StepExists(ctx context.Context, statementID, blockID string) (bool, error) {
	count, err := s.steps.CountDocuments(ctx, bson.M{
		"statement_id": statementID,
		"block_id":     blockID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check step existence: %w", err)
	}
	return count > 0, nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*store.Event, error) {
	var doc eventDoc
	err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "event", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return doc.toEvent(), nil
}

// SaveEvent upserts an event keyed by its ID.
func (s *Store) SaveEvent(ctx context.Context, event *store.Event) error {
	now := time.Now()
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := newEventDoc(event, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	_, err = s.events.UpdateOne(ctx, bson.M{"_id": event.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("step %s already has a live event: %w",
				event.StepID, store.ErrConstraintViolation)
		}
		return fmt.Errorf("failed to save event: %w", err)
	}

	event.CreatedAt = createdAt
	event.UpdatedAt = now
	return nil
}

// ListEvents lists all events for a runner, oldest first.
func (s *Store) ListEvents(ctx context.Context, runnerID string) ([]*store.Event, error) {
	cursor, err := s.events.Find(ctx, bson.M{"runner_id": runnerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*store.Event
	for cursor.Next(ctx) {
		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, doc.toEvent())
	}
	return events, cursor.Err()
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return doc.toTask(), nil
}

// SaveTask upserts a task keyed by its ID.
func (s *Store) SaveTask(ctx context.Context, task *store.Task) error {
	now := time.Now()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if task.TaskList == "" {
		task.TaskList = store.DefaultTaskList
	}
	doc := newTaskDoc(task, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	_, err = s.tasks.UpdateOne(ctx, bson.M{"_id": task.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("step %s already has a running task: %w",
				task.StepID, store.ErrConstraintViolation)
		}
		return fmt.Errorf("failed to save task: %w", err)
	}

	task.CreatedAt = createdAt
	task.UpdatedAt = now
	return nil
}

// ListTasks lists tasks matching the filter, oldest first.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	query := bson.M{}
	if filter.RunnerID != "" {
		query["runner_id"] = filter.RunnerID
	}
	if filter.StepID != "" {
		query["step_id"] = filter.StepID
	}
	if filter.Name != "" {
		query["name"] = filter.Name
	}
	if filter.TaskList != "" {
		query["task_list_name"] = filter.TaskList
	}
	if filter.State != "" {
		query["state"] = string(filter.State)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.tasks.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var tasks []*store.Task
	for cursor.Next(ctx) {
		var doc taskDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		tasks = append(tasks, doc.toTask())
	}
	return tasks, cursor.Err()
}

// ClaimTask atomically claims the oldest matching pending task via
// findAndModify. The partial unique index on running tasks backs up the
// per-step exclusion: a racing claim that would create a second running
// task for a step fails with a duplicate key and is retried.
func (s *Store) ClaimTask(ctx context.Context, names []string, taskList, serverID string) (*store.Task, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		busy, err := s.runningStepIDs(ctx)
		if err != nil {
			return nil, err
		}

		query := bson.M{"state": string(store.TaskPending)}
		if taskList != "" {
			query["task_list_name"] = taskList
		}
		if len(names) > 0 {
			query["name"] = bson.M{"$in": names}
		}
		if len(busy) > 0 {
			query["$or"] = bson.A{
				bson.M{"step_id": bson.M{"$exists": false}},
				bson.M{"step_id": bson.M{"$nin": busy}},
			}
		}

		update := bson.M{"$set": bson.M{
			"state":      string(store.TaskRunning),
			"server_id":  serverID,
			"updated_at": time.Now(),
		}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetReturnDocument(options.After)

		var doc taskDoc
		err = s.tasks.FindOneAndUpdate(ctx, query, update, opts).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			// Another claimant won a task for the same step between the
			// busy scan and the update.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim task: %w", err)
		}
		return doc.toTask(), nil
	}
	return nil, nil
}

// runningStepIDs returns the step IDs that currently have a running task.
func (s *Store) runningStepIDs(ctx context.Context) ([]string, error) {
	result := s.tasks.Distinct(ctx, "step_id", bson.M{
		"state":   string(store.TaskRunning),
		"step_id": bson.M{"$exists": true},
	})
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan running tasks: %w", err)
	}
	var ids []string
	if err := result.Decode(&ids); err != nil {
		return nil, fmt.Errorf("failed to decode running step ids: %w", err)
	}
	return ids, nil
}

// UpdateTaskState transitions a task to the given state.
func (s *Store) UpdateTaskState(ctx context.Context, id string, state store.TaskState, errMsg string) error {
	set := bson.M{"state": string(state), "updated_at": time.Now()}
	if errMsg != "" {
		set["error"] = errMsg
	}
	result, err := s.tasks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update task state: %w", err)
	}
	if result.MatchedCount == 0 {
		return &aflerrors.NotFoundError{Entity: "task", ID: id}
	}
	return nil
}

// GetRunner retrieves a runner by ID.
func (s *Store) GetRunner(ctx context.Context, id string) (*store.Runner, error) {
	var doc runnerDoc
	err := s.runners.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "runner", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}
	return doc.toRunner(), nil
}

// SaveRunner upserts a runner keyed by its ID.
func (s *Store) SaveRunner(ctx context.Context, runner *store.Runner) error {
	now := time.Now()
	createdAt := runner.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := newRunnerDoc(runner, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode runner: %w", err)
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	_, err = s.runners.UpdateOne(ctx, bson.M{"_id": runner.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save runner: %w", err)
	}

	runner.CreatedAt = createdAt
	runner.UpdatedAt = now
	return nil
}

// ListRunners lists runners matching the filter, newest first.
func (s *Store) ListRunners(ctx context.Context, filter store.RunnerFilter) ([]*store.Runner, error) {
	query := bson.M{}
	if filter.State != "" {
		query["state"] = string(filter.State)
	}
	if filter.WorkflowName != "" {
		query["workflow_name"] = filter.WorkflowName
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.runners.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	defer cursor.Close(ctx)

	var runners []*store.Runner
	for cursor.Next(ctx) {
		var doc runnerDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode runner: %w", err)
		}
		runners = append(runners, doc.toRunner())
	}
	return runners, cursor.Err()
}

// GetFlow retrieves a flow by ID.
func (s *Store) GetFlow(ctx context.Context, id string) (*store.Flow, error) {
	var doc flowDoc
	err := s.flows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "flow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return doc.toFlow(), nil
}

// GetFlowByName retrieves the most recently published flow with the
// given name.
func (s *Store) GetFlowByName(ctx context.Context, name string) (*store.Flow, error) {
	var doc flowDoc
	err := s.flows.FindOne(ctx, bson.M{"name": name},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "flow", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow by name: %w", err)
	}
	return doc.toFlow(), nil
}

// SaveFlow upserts a flow keyed by its ID.
func (s *Store) SaveFlow(ctx context.Context, flow *store.Flow) error {
	now := time.Now()
	createdAt := flow.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := newFlowDoc(flow, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode flow: %w", err)
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	_, err = s.flows.UpdateOne(ctx, bson.M{"_id": flow.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	flow.CreatedAt = createdAt
	flow.UpdatedAt = now
	return nil
}

// ListFlows lists all flows, newest first.
func (s *Store) ListFlows(ctx context.Context) ([]*store.Flow, error) {
	cursor, err := s.flows.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer cursor.Close(ctx)

	var flows []*store.Flow
	for cursor.Next(ctx) {
		var doc flowDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode flow: %w", err)
		}
		flows = append(flows, doc.toFlow())
	}
	return flows, cursor.Err()
}

// DeleteFlow deletes a flow by ID.
func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	_, err := s.flows.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	var doc workflowDoc
	err := s.workflows.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return doc.toWorkflow(), nil
}

// GetWorkflowByName retrieves the most recently published workflow
// definition with the given qualified name.
func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*store.Workflow, error) {
	var doc workflowDoc
	err := s.workflows.FindOne(ctx, bson.M{"name": name},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "workflow", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow by name: %w", err)
	}
	return doc.toWorkflow(), nil
}

// SaveWorkflow upserts a workflow definition keyed by its ID.
func (s *Store) SaveWorkflow(ctx context.Context, workflow *store.Workflow) error {
	now := time.Now()
	createdAt := workflow.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	update := bson.M{
		"$set": bson.M{
			"flow_id":    workflow.FlowID,
			"name":       workflow.Name,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{"created_at": createdAt},
	}
	_, err := s.workflows.UpdateOne(ctx, bson.M{"_id": workflow.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	workflow.CreatedAt = createdAt
	workflow.UpdatedAt = now
	return nil
}

// ListWorkflows lists workflow definitions, optionally scoped to a flow.
func (s *Store) ListWorkflows(ctx context.Context, flowID string) ([]*store.Workflow, error) {
	query := bson.M{}
	if flowID != "" {
		query["flow_id"] = flowID
	}

	cursor, err := s.workflows.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer cursor.Close(ctx)

	var workflows []*store.Workflow
	for cursor.Next(ctx) {
		var doc workflowDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode workflow: %w", err)
		}
		workflows = append(workflows, doc.toWorkflow())
	}
	return workflows, cursor.Err()
}

// GetRegistration retrieves a registration by facet name.
func (s *Store) GetRegistration(ctx context.Context, facetName string) (*store.HandlerRegistration, error) {
	var doc registrationDoc
	err := s.registrations.FindOne(ctx, bson.M{"_id": facetName}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "handler registration", ID: facetName}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return doc.toRegistration(), nil
}

// SaveRegistration upserts a registration keyed by facet name.
func (s *Store) SaveRegistration(ctx context.Context, reg *store.HandlerRegistration) error {
	now := time.Now()
	createdAt := reg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := newRegistrationDoc(reg, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	_, err = s.registrations.UpdateOne(ctx, bson.M{"_id": reg.FacetName}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}

	reg.CreatedAt = createdAt
	reg.UpdatedAt = now
	return nil
}

// ListRegistrations lists all registrations ordered by facet name.
func (s *Store) ListRegistrations(ctx context.Context) ([]*store.HandlerRegistration, error) {
	cursor, err := s.registrations.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer cursor.Close(ctx)

	var regs []*store.HandlerRegistration
	for cursor.Next(ctx) {
		var doc registrationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode registration: %w", err)
		}
		regs = append(regs, doc.toRegistration())
	}
	return regs, cursor.Err()
}

// DeleteRegistration removes a registration by facet name.
func (s *Store) DeleteRegistration(ctx context.Context, facetName string) error {
	_, err := s.registrations.DeleteOne(ctx, bson.M{"_id": facetName})
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return nil
}

// GetServer retrieves a server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*store.Server, error) {
	var doc serverDoc
	err := s.servers.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, &aflerrors.NotFoundError{Entity: "server", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return doc.toServer(), nil
}

// SaveServer upserts a server keyed by its ID.
func (s *Store) SaveServer(ctx context.Context, server *store.Server) error {
	now := time.Now()
	createdAt := server.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	doc := newServerDoc(server, now)

	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("failed to encode server: %w", err)
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	_, err = s.servers.UpdateOne(ctx, bson.M{"_id": server.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save server: %w", err)
	}

	server.CreatedAt = createdAt
	server.UpdatedAt = now
	return nil
}

// ListServers lists servers matching the filter.
func (s *Store) ListServers(ctx context.Context, filter store.ServerFilter) ([]*store.Server, error) {
	query := bson.M{}
	if filter.ServiceName != "" {
		query["service_name"] = filter.ServiceName
	}
	if filter.State != "" {
		query["state"] = string(filter.State)
	}
	if !filter.PingBefore.IsZero() {
		query["ping_time"] = bson.M{"$lt": filter.PingBefore}
	}

	cursor, err := s.servers.Find(ctx, query,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer cursor.Close(ctx)

	var servers []*store.Server
	for cursor.Next(ctx) {
		var doc serverDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode server: %w", err)
		}
		servers = append(servers, doc.toServer())
	}
	return servers, cursor.Err()
}

// PingServer advances a server's heartbeat timestamp.
func (s *Store) PingServer(ctx context.Context, id string, at time.Time) error {
	result, err := s.servers.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"ping_time": at, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("failed to ping server: %w", err)
	}
	if result.MatchedCount == 0 {
		return &aflerrors.NotFoundError{Entity: "server", ID: id}
	}
	return nil
}

// AppendLog appends a log record, assigning an ID and the runner's next
// order number when unset. Order numbers come from an atomic counter, so
// concurrent appenders on different hosts never collide.
func (s *Store) AppendLog(ctx context.Context, record *store.LogRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Time.IsZero() {
		record.Time = time.Now()
	}
	if record.Order == 0 {
		order, err := s.nextLogOrder(ctx, record.RunnerID)
		if err != nil {
			return err
		}
		record.Order = order
	}

	doc := logDoc{
		ID:       record.ID,
		RunnerID: record.RunnerID,
		StepID:   record.StepID,
		Order:    record.Order,
		Level:    record.Level,
		Message:  record.Message,
		Time:     record.Time,
	}
	if _, err := s.logs.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// nextLogOrder increments and returns the per-runner log counter.
func (s *Store) nextLogOrder(ctx context.Context, runnerID string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "log:" + runnerID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to advance log counter: %w", err)
	}
	return counter.Seq, nil
}

// ListLogs lists log records matching the filter, ordered by Order then
// Time.
func (s *Store) ListLogs(ctx context.Context, filter store.LogFilter) ([]*store.LogRecord, error) {
	query := bson.M{}
	if filter.RunnerID != "" {
		query["runner_id"] = filter.RunnerID
	}
	if filter.StepID != "" {
		query["step_id"] = filter.StepID
	}

	opts := options.Find().SetSort(bson.D{{Key: "log_order", Value: 1}, {Key: "time", Value: 1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.logs.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*store.LogRecord
	for cursor.Next(ctx) {
		var doc logDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode log: %w", err)
		}
		records = append(records, &store.LogRecord{
			ID:       doc.ID,
			RunnerID: doc.RunnerID,
			StepID:   doc.StepID,
			Order:    doc.Order,
			Level:    doc.Level,
			Message:  doc.Message,
			Time:     doc.Time,
		})
	}
	return records, cursor.Err()
}

// AcquireLock attempts to take the lease for key. The filtered upsert
// only matches a lapsed lease; a live holder makes the upsert collide on
// _id, which reports as not acquired.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration, meta map[string]string) (bool, error) {
	now := time.Now()
	_, err := s.locks.UpdateOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{
			"acquired_at": now,
			"expires_at":  now.Add(ttl),
			"meta":        meta,
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock releases the lease for key.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	_, err := s.locks.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// CheckLock returns the current lease for key, or nil when free or
// expired.
func (s *Store) CheckLock(ctx context.Context, key string) (*store.Lock, error) {
	var doc lockDoc
	err := s.locks.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check lock: %w", err)
	}

	lock := doc.toLock()
	if lock.Expired(time.Now()) {
		return nil, nil
	}
	return lock, nil
}

// ExtendLock extends a held lease by ttl from now.
func (s *Store) ExtendLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := s.locks.UpdateOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$gte": now}},
		bson.M{"$set": bson.M{"expires_at": now.Add(ttl)}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	return result.MatchedCount > 0, nil
}

// Commit applies the change set in a multi-document transaction. On
// standalone servers without transaction support it falls back to
// sequential writes; the partial unique indexes still reject violations
// record by record.
func (s *Store) Commit(ctx context.Context, changes *store.Changes) error {
	if changes == nil || changes.Empty() {
		return nil
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.applyChanges(ctx, changes)
	})
	if err != nil && transactionsUnsupported(err) {
		err = s.applyChanges(ctx, changes)
	}
	if err != nil {
		return err
	}
	// Advance versions only once the writes are durable, so a retried
	// change set still carries the versions it was read at.
	for _, step := range changes.UpdatedSteps {
		step.Version++
	}
	return nil
}

// applyChanges writes every record in the change set in order. Updated
// steps go first: a stale version aborts the batch before any other
// write in the sequential fallback.
func (s *Store) applyChanges(ctx context.Context, changes *store.Changes) error {
	for _, step := range changes.UpdatedSteps {
		if err := s.updateStepGuarded(ctx, step); err != nil {
			return err
		}
	}
	for _, step := range changes.CreatedSteps {
		if err := s.SaveStep(ctx, step); err != nil {
			return err
		}
	}
	for _, event := range changes.CreatedEvents {
		if err := s.SaveEvent(ctx, event); err != nil {
			return err
		}
	}
	for _, event := range changes.UpdatedEvents {
		if err := s.SaveEvent(ctx, event); err != nil {
			return err
		}
	}
	for _, task := range changes.CreatedTasks {
		if err := s.SaveTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// transactionsUnsupported reports whether the error means the server
// cannot run multi-document transactions (standalone deployment).
func transactionsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 20 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction numbers are only allowed") ||
		strings.Contains(msg, "transactions are not supported")
}

// Close disconnects from the server.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}
