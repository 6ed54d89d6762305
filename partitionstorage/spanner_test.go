package partitionstorage

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instance "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"github.com/google/go-cmp/cmp"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/toga4/tablepoll"
	"google.golang.org/api/iterator"
)

const (
	testProjectID    = "test-project"
	testInstanceID   = "test-instance"
	testDatabaseID   = "test-database"
	testProjectPath  = "projects/" + testProjectID
	testInstancePath = testProjectPath + "/instances/" + testInstanceID
	testDatabasePath = testInstancePath + "/databases/" + testDatabaseID
)

func TestMain(m *testing.M) {
	close := launchEmulatorOnDocker()
	code := m.Run()
	close()
	os.Exit(code)
}

func launchEmulatorOnDocker() func() {
	ctx := context.Background()

	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not connect to docker: %v", err)
	}
	pool.MaxWait = 10 * time.Second

	resource, err := pool.RunWithOptions(
		&dockertest.RunOptions{
			Repository: "gcr.io/cloud-spanner-emulator/emulator",
			Tag:        "latest",
		},
		func(config *docker.HostConfig) {
			config.AutoRemove = true
			config.RestartPolicy = docker.RestartPolicy{Name: "no"}
		},
	)
	if err != nil {
		log.Fatalf("Could not start resource: %v", err)
	}

	os.Setenv("SPANNER_EMULATOR_HOST", resource.GetHostPort("9010/tcp"))

	if err := pool.Retry(func() error {
		return createInstance(ctx)
	}); err != nil {
		log.Fatalf("Could not create instance: %v", err)
	}

	if err := createDatabase(ctx); err != nil {
		log.Fatalf("Could not create database: %v", err)
	}

	return func() {
		if err := pool.Purge(resource); err != nil {
			log.Fatalf("Could not purge resource: %s", err)
		}
	}
}

func createInstance(ctx context.Context) error {
	instanceAdminClient, err := instance.NewInstanceAdminClient(ctx)
	if err != nil {
		return err
	}
	defer instanceAdminClient.Close()

	op, err := instanceAdminClient.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     testProjectPath,
		InstanceId: testInstanceID,
		Instance: &instancepb.Instance{
			Config:      "emulator-config",
			DisplayName: testInstanceID,
			NodeCount:   1,
		},
	})
	if err != nil {
		return err
	}

	_, err = op.Wait(ctx)
	return err
}

func createDatabase(ctx context.Context) error {
	databaseAdminClient, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	defer databaseAdminClient.Close()

	op, err := databaseAdminClient.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
		Parent:          testInstancePath,
		CreateStatement: fmt.Sprintf("CREATE DATABASE `%s`", testDatabaseID),
	})
	if err != nil {
		return err
	}

	_, err = op.Wait(ctx)
	return err
}

func TestSpannerOffsetStorage_CreateTableIfNotExists(t *testing.T) {
	ctx := context.Background()

	client, err := spanner.NewClient(ctx, testDatabasePath)
	if err != nil {
		t.Error(err)
		return
	}
	defer client.Close()

	storage := NewSpanner(client, t.Name())

	if err := storage.CreateTableIfNotExists(ctx); err != nil {
		t.Error(err)
		return
	}

	iter := client.Single().Read(ctx, storage.tableName, spanner.AllKeys(), []string{columnPartitionKey})
	defer iter.Stop()

	if _, err := iter.Next(); err != iterator.Done {
		t.Errorf("Read from %s after SpannerOffsetStorage.CreateTableIfNotExists() = %v, want %v", storage.tableName, err, iterator.Done)
	}

	existsTable, err := existsTable(ctx, client, storage.tableName)
	if err != nil {
		t.Error(err)
		return
	}
	if !existsTable {
		t.Errorf("SpannerOffsetStorage.existsTable() = %v, want %v", existsTable, true)
	}

	// Creating the table twice is not an error.
	if err := storage.CreateTableIfNotExists(ctx); err != nil {
		t.Errorf("second CreateTableIfNotExists(): %v", err)
	}
}

func existsTable(ctx context.Context, client *spanner.Client, tableName string) (bool, error) {
	iter := client.Single().Query(ctx, spanner.Statement{
		SQL: "SELECT 1 FROM information_schema.tables WHERE table_catalog = '' AND table_schema = '' AND table_name = @tableName",
		Params: map[string]interface{}{
			"tableName": tableName,
		},
	})
	defer iter.Stop()

	if _, err := iter.Next(); err != nil {
		if err == iterator.Done {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func setupSpannerOffsetStorage(t *testing.T, ctx context.Context) *SpannerOffsetStorage {
	t.Helper()

	client, err := spanner.NewClient(ctx, testDatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	storage := NewSpanner(client, t.Name())
	if err := storage.CreateTableIfNotExists(ctx); err != nil {
		t.Fatal(err)
	}

	return storage
}

func TestSpannerOffsetStorage_WriteAndReadOffsets(t *testing.T) {
	ctx := context.Background()
	storage := setupSpannerOffsetStorage(t, ctx)

	testOffsetStorageRoundTrip(t, ctx, storage)
}

func TestSpannerOffsetStorage_WriteOffsets(t *testing.T) {
	ctx := context.Background()
	storage := setupSpannerOffsetStorage(t, ctx)

	w := tablepoll.Watermark{Timestamp: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Identifier: "abc"}
	if err := storage.WriteOffsets(ctx, map[string]tablepoll.Watermark{"incident": w}); err != nil {
		t.Fatalf("WriteOffsets(): %v", err)
	}

	columns := []string{columnPartitionKey, columnTimestamp, columnLastIdentifier}
	row, err := storage.client.Single().ReadRow(ctx, storage.tableName, spanner.Key{"incident"}, columns)
	if err != nil {
		t.Fatalf("ReadRow(): %v", err)
	}

	got := offsetRow{}
	if err := row.ToStruct(&got); err != nil {
		t.Fatal(err)
	}
	want := offsetRow{
		PartitionKey:   "incident",
		Timestamp:      w.Timestamp.Unix(),
		LastIdentifier: spanner.NullString{StringVal: "abc", Valid: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("WriteOffsets(): (-want, +got)\n%s", diff)
	}
}
