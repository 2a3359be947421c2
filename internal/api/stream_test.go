package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpad/classwork-engine/internal/models"
	syncengine "github.com/classpad/classwork-engine/internal/sync"
)

func TestAssignmentStream(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	f.seedClass(t, models.Class{ID: "c1"})
	teacherTok := f.seedMember(t, "c1", "ms-smith", models.RoleTeacher)
	studentTok := f.seedMember(t, "c1", "alice", models.RoleStudent)

	wsURL := strings.Replace(f.httpSrv.URL, "http://", "ws://", 1) +
		"/ws/classes/c1/assignments?token=" + studentTok

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// first push is the current (empty) view
	view := readView(t, conn)
	assert.Empty(t, view.Assignments)

	// a teacher-side change reaches the stream
	_, err = f.client(teacherTok).CreateAssignment(ctx, "c1", models.AssignmentDraft{
		Title:    "Pop quiz",
		Category: "quiz",
	})
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "timed out waiting for pushed view")
		view = readView(t, conn)
		if len(view.Assignments) == 1 {
			break
		}
	}
	assert.Equal(t, "Pop quiz", view.Assignments[0].Title)
}

func TestAssignmentStreamRejectsAnonymous(t *testing.T) {
	f := newAPIFixture(t)
	f.seedClass(t, models.Class{ID: "c1"})

	wsURL := strings.Replace(f.httpSrv.URL, "http://", "ws://", 1) +
		"/ws/classes/c1/assignments"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, 401, resp.StatusCode)
}

func readView(t *testing.T, conn *websocket.Conn) syncengine.View {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var view syncengine.View
	require.NoError(t, conn.ReadJSON(&view))
	return view
}
