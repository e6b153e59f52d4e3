package loader

import (
	"context"
	"time"

	"github.com/BaSui01/ddrflow/rag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dataset 是服务启动时加载的只读检索数据.
type Dataset struct {
	Index *rag.VectorIndex
	Graph *rag.KnowledgeGraph
}

// Load 并行读取段落与知识图并构建索引.
// graphPath 为空时使用空图.
func Load(ctx context.Context, passagesPath, graphPath string, logger *zap.Logger) (*Dataset, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "dataset_loader"))
	start := time.Now()

	var ds Dataset
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var passages []*rag.Passage
		if passagesPath != "" {
			var err error
			if passages, err = LoadPassages(gctx, passagesPath); err != nil {
				return err
			}
		}
		idx, err := rag.NewVectorIndex(passages, logger)
		if err != nil {
			return err
		}
		ds.Index = idx
		return nil
	})
	g.Go(func() error {
		b := rag.NewGraphBuilder(logger)
		if graphPath == "" {
			kg, err := b.Build()
			ds.Graph = kg
			return err
		}
		kg, err := LoadGraph(gctx, graphPath, b)
		if err != nil {
			return err
		}
		ds.Graph = kg
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("dataset loaded",
		zap.Int("passages", ds.Index.Size()),
		zap.Int("entities", ds.Graph.Len()),
		zap.Duration("took", time.Since(start)))
	return &ds, nil
}
