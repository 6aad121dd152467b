package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/llm"
)

type fixedImageSource struct {
	images []llm.ImageAttachment
	err    error
}

func (f fixedImageSource) LoadImages(ctx context.Context, barcode string) ([]llm.ImageAttachment, error) {
	return f.images, f.err
}

func newTestExecutor(model llm.ChatModel) *llm.Executor {
	return llm.NewExecutor(model, "test-model", llm.NewRateLimiter(1000, 10), catalog.RetryPolicy{MaxAttempts: 1, Retryable: catalog.IsRetryable}, nil, nil, 1)
}

const extractionJSON = `{
  "title": "Abbey Road",
  "subtitle": "",
  "primary_contributor": "The Beatles",
  "additional_contributors": ["George Martin"],
  "contents": ["Come Together", "Something"],
  "publishers": [{"name": "Apple Records", "place": "London", "numbers": ["PCS 7088"]}],
  "dates": ["1969"],
  "language": "eng",
  "format": "LP",
  "physical_description": "1 disc",
  "notes": [],
  "upc": "5099969944929"
}`

func TestExtractor_Extract(t *testing.T) {
	images := []llm.ImageAttachment{{MediaType: "image/jpeg", Data: []byte("front")}}
	model := &llm.MockChatModel{Responses: []llm.ChatOut{{Text: extractionJSON, InputTokens: 100, OutputTokens: 50}}}
	e := &Extractor{
		Executor: newTestExecutor(model),
		Images:   fixedImageSource{images: images},
		ModelID:  "test-model",
	}

	rec, err := e.Extract(context.Background(), "run1", "bc1", catalog.MediumLP)
	require.NoError(t, err)
	require.Equal(t, "Abbey Road", rec.Title)
	require.Equal(t, "The Beatles", rec.PrimaryContributor)
	require.Equal(t, []string{"George Martin"}, rec.AdditionalContributors)
	require.Equal(t, []string{"Come Together", "Something"}, rec.Contents)
	require.Len(t, rec.Publishers, 1)
	require.Equal(t, "Apple Records", rec.Publishers[0].Name)
	require.Equal(t, "5099969944929", rec.UPC)
	require.Equal(t, "test-model", rec.Model)
	require.Equal(t, 100, rec.InputTokens)

	require.Len(t, model.Calls, 1)
	require.True(t, len(model.Calls[0].Messages) == 2)
	require.Contains(t, model.Calls[0].Messages[1].Content, "lp")
}

func TestExtractor_noImagesIsNonRetryableParseError(t *testing.T) {
	model := &llm.MockChatModel{}
	e := &Extractor{Executor: newTestExecutor(model), Images: fixedImageSource{}, ModelID: "test-model"}

	_, err := e.Extract(context.Background(), "run1", "bc1", catalog.MediumCD)
	require.Error(t, err)
	var stageErr *catalog.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, catalog.ErrCodeParseError, stageErr.Code)
	require.Empty(t, model.Calls)
}

func TestExtractor_imageSourceErrorWrapsAsTransient(t *testing.T) {
	model := &llm.MockChatModel{}
	e := &Extractor{Executor: newTestExecutor(model), Images: fixedImageSource{err: errors.New("disk unavailable")}, ModelID: "test-model"}

	_, err := e.Extract(context.Background(), "run1", "bc1", catalog.MediumCD)
	require.Error(t, err)
	var stageErr *catalog.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, catalog.ErrCodeTransientRemote, stageErr.Code)
}

func TestExtractor_malformedResponseIsParseError(t *testing.T) {
	images := []llm.ImageAttachment{{MediaType: "image/jpeg", Data: []byte("x")}}
	model := &llm.MockChatModel{Responses: []llm.ChatOut{{Text: "not json at all"}}}
	e := &Extractor{Executor: newTestExecutor(model), Images: fixedImageSource{images: images}, ModelID: "test-model"}

	_, err := e.Extract(context.Background(), "run1", "bc1", catalog.MediumCD)
	require.Error(t, err)
	var stageErr *catalog.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, catalog.ErrCodeParseError, stageErr.Code)
}

func TestExtractor_BuildAndParseBatchResult(t *testing.T) {
	images := []llm.ImageAttachment{{MediaType: "image/jpeg", Data: []byte("front")}}
	e := &Extractor{Images: fixedImageSource{images: images}, ModelID: "test-model"}

	messages, tools, err := e.BuildBatchMessages(context.Background(), "bc1", catalog.MediumLP)
	require.NoError(t, err)
	require.Nil(t, tools)
	require.Len(t, messages, 2)
	require.Equal(t, images, messages[1].Images)

	rec, err := e.ParseBatchResult(llm.ChatOut{Text: extractionJSON, InputTokens: 10, OutputTokens: 20})
	require.NoError(t, err)
	require.Equal(t, "Abbey Road", rec.Title)
	require.Equal(t, "test-model", rec.Model)
}

func TestExtractor_BuildBatchMessagesNoImagesFails(t *testing.T) {
	e := &Extractor{Images: fixedImageSource{}, ModelID: "test-model"}
	_, _, err := e.BuildBatchMessages(context.Background(), "bc1", catalog.MediumCD)
	require.Error(t, err)
}

func TestStripCodeFence(t *testing.T) {
	require.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}
