package firestorestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Cloak/internal/store"
	"github.com/Gopher0727/Cloak/internal/store/storetest"
	"github.com/Gopher0727/Cloak/utils/snowflake"
)

// 需要本地 Firestore 模拟器：FIRESTORE_EMULATOR_HOST=localhost:8081
func TestStoreContract(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	n := 0
	storetest.Run(t, func(t *testing.T) (store.Store, time.Duration) {
		n++
		ids, err := snowflake.NewGenerator(3)
		require.NoError(t, err)

		collection := fmt.Sprintf("messages_test_%d_%d", time.Now().UnixNano(), n)
		s, err := NewStore(context.Background(), "cloak-test", collection, ids, time.Hour)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s, time.Hour
	})
}
