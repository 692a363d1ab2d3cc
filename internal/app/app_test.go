package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/token-ledger/internal/config"
)

func TestOpenStorage_Memory(t *testing.T) {
	st, err := openStorage(context.Background(), &config.Config{DBDriver: config.DriverMemory})
	require.NoError(t, err)
	defer st.close()

	packages, err := st.tokens.ListPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, packages, 3)
	assert.Equal(t, "Старт", packages[0].Name)
	assert.Equal(t, "Семейный", packages[2].Name)
}

func TestNewRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRouter(&config.Config{AppEnv: "development"}, nil)

	for path, want := range map[string]int{
		"/health":  http.StatusOK,
		"/metrics": http.StatusOK,
		"/missing": http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestMigrations_Ordered(t *testing.T) {
	require.NotEmpty(t, migrations)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "миграции идут по порядку без пропусков")
		assert.NotEmpty(t, m.SQL)
	}
}
