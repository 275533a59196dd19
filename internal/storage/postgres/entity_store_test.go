package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
	"github.com/JakeFAU/music-graph-crawler/internal/store"
)

var personCols = []string{"id", "name", "canonical_id", "external_id", "is_explored"}

func newMockStore(t *testing.T) (*EntityStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS persons")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersonByCanonicalID(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM persons WHERE canonical_id = $1")).
		WithArgs("mb-iu").
		WillReturnRows(pgxmock.NewRows(personCols).
			AddRow(int64(7), "IU", store.StringPtr("mb-iu"), (*string)(nil), true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM persons WHERE canonical_id = $1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(personCols))

	p, err := s.PersonByCanonicalID(context.Background(), "mb-iu")
	require.NoError(t, err)
	require.Equal(t, int64(7), p.ID)
	require.Equal(t, "mb-iu", store.Deref(p.CanonicalID))
	require.Nil(t, p.ExternalID)
	require.True(t, p.IsExplored)

	_, err = s.PersonByCanonicalID(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePersonConflict(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO persons (name, canonical_id)")).
		WithArgs("IU", store.StringPtr("mb-iu")).
		WillReturnRows(pgxmock.NewRows(personCols))

	_, err := s.CreatePerson(context.Background(), store.NewPerson{Name: "IU", CanonicalID: store.StringPtr("mb-iu")})
	require.ErrorIs(t, err, store.ErrConflict)
	require.ErrorIs(t, err, crawler.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachCanonicalIDTakenKeepsTxUsable(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("AND NOT EXISTS (SELECT 1 FROM persons WHERE canonical_id = $2)")).
		WithArgs(int64(3), "mb-iu").
		WillReturnRows(pgxmock.NewRows(personCols))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO persons (name, canonical_id)")).
		WithArgs("IU", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(personCols).
			AddRow(int64(4), "IU", (*string)(nil), (*string)(nil), false))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.AttachCanonicalID(context.Background(), 3, "mb-iu")
		require.ErrorIs(t, err, store.ErrConflict)
		p, err := tx.CreatePerson(context.Background(), store.NewPerson{Name: "IU"})
		if err != nil {
			return err
		}
		require.Equal(t, int64(4), p.ID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxCommits(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	released := time.Date(2017, 4, 21, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO songs")).
		WithArgs(store.StringPtr("rec-1"), "Palette", "IU", (*string)(nil), &released, "https://musicbrainz.org/recording/rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "canonical_id", "title", "artist", "album", "release_date", "source_url"}).
			AddRow(int64(11), store.StringPtr("rec-1"), "Palette", "IU", (*string)(nil), &released, "https://musicbrainz.org/recording/rec-1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contributions")).
		WithArgs(int64(11), int64(7), "performer").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE persons SET is_explored = TRUE")).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		song, err := tx.CreateSong(context.Background(), store.NewSong{
			CanonicalID: store.StringPtr("rec-1"),
			Title:       "Palette",
			Artist:      "IU",
			ReleaseDate: &released,
			SourceURL:   "https://musicbrainz.org/recording/rec-1",
		})
		if err != nil {
			return err
		}
		created, err := tx.CreateContribution(context.Background(), store.Contribution{SongID: song.ID, PersonID: 7, Role: "performer"})
		if err != nil {
			return err
		}
		if !created {
			return errors.New("expected contribution to be created")
		}
		return tx.MarkExplored(context.Background(), 7)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contributions")).
		WithArgs(int64(1), int64(2), "producer").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		created, err := tx.CreateContribution(context.Background(), store.Contribution{SongID: 1, PersonID: 2, Role: "producer"})
		require.NoError(t, err)
		require.False(t, created)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExploredMissingPerson(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE persons SET is_explored = TRUE")).
		WithArgs(int64(99)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, s.MarkExplored(context.Background(), 99), store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollaborationsScansRows(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	cols := []string{
		"s.id", "s.canonical_id", "s.title", "s.artist", "s.album", "s.release_date", "s.source_url",
		"p.id", "p.name", "p.canonical_id", "p.external_id", "p.is_explored",
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM contributions root")).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(int64(10), store.StringPtr("s1"), "S1", "X", (*string)(nil), (*time.Time)(nil), "u1",
				int64(2), "Y", store.StringPtr("mb-y"), (*string)(nil), false).
			AddRow(int64(11), store.StringPtr("s2"), "S2", "X", (*string)(nil), (*time.Time)(nil), "u2",
				int64(2), "Y", store.StringPtr("mb-y"), (*string)(nil), false))

	rows, err := s.Collaborations(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(10), rows[0].Song.ID)
	require.Equal(t, "Y", rows[1].Collaborator.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExploredCanonicalIDs(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT canonical_id FROM persons")).
		WillReturnRows(pgxmock.NewRows([]string{"canonical_id"}).AddRow("a").AddRow("b"))

	ids, err := s.ExploredCanonicalIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSizeBytesAndCounts(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_database_size(current_database())")).
		WillReturnRows(pgxmock.NewRows([]string{"size"}).AddRow(int64(8 << 20)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT (SELECT count(*) FROM persons)")).
		WillReturnRows(pgxmock.NewRows([]string{"persons", "songs", "contributions"}).
			AddRow(int64(3), int64(2), int64(5)))

	size, err := s.SizeBytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(8<<20), size)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, store.Counts{Persons: 3, Songs: 2, Contributions: 5}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}
