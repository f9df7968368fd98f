package dispatch

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/terrapipe/broker/pkg/catalog"
	"github.com/terrapipe/broker/pkg/log"
	"github.com/terrapipe/broker/pkg/protocol"
	"github.com/terrapipe/broker/pkg/utils"
)

func NewHttpHandler(dispatcher Dispatcher, store *catalog.Store, services []string, r *echo.Echo) {
	// Worker pods poll here for their next work item. No work is an
	// empty response, not an error; workers back off on their own.
	r.GET("/work", func(c echo.Context) error {
		serviceID := c.QueryParam("serviceID")
		if serviceID == "" {
			return utils.HttpError(utils.ErrBadRequest)
		}
		podName := c.QueryParam("podName")

		response, err := dispatcher.NextWorkItem(c.Request().Context(), serviceID, podName)
		if err != nil {
			log.Errorf("err - poll - service: %s, pod: %s, %v", serviceID, podName, err)
			return utils.HttpError(err)
		}
		if response == nil {
			return c.NoContent(http.StatusNoContent)
		}

		log.Infof("out - item - id: %d, service: %s, pod: %s", response.WorkItem.ID, serviceID, podName)
		return c.JSON(http.StatusOK, response)
	})

	// Completion callback: workers report terminal status and results.
	r.PUT("/work/:id", func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return utils.HttpError(utils.ErrBadRequest)
		}

		var result protocol.WorkResult
		if err := c.Bind(&result); err != nil {
			return utils.HttpError(utils.ErrBadRequest)
		}

		if err := store.CompleteWorkItem(c.Request().Context(), id, &result); err != nil {
			return utils.HttpError(err)
		}

		log.Infof("end - item - id: %d, status: %s", id, result.Status)
		return c.NoContent(http.StatusNoContent)
	})

	r.GET("/metrics", func(c echo.Context) error {
		metrics := fmt.Sprintln("# TYPE terrapipe_work_items gauge")
		metrics += fmt.Sprintln("# HELP terrapipe_work_items Work items per service and status.")

		for _, serviceID := range services {
			counts, err := store.CountWorkItems(c.Request().Context(), serviceID)
			if err != nil {
				log.Errorf("err - metrics - service: %s, %v", serviceID, err)
				continue
			}
			for _, status := range []protocol.WorkItemStatus{
				protocol.WorkItemReady,
				protocol.WorkItemQueued,
				protocol.WorkItemRunning,
				protocol.WorkItemSuccessful,
				protocol.WorkItemFailed,
				protocol.WorkItemCanceled,
				protocol.WorkItemNoData,
			} {
				metrics += fmt.Sprintf("terrapipe_work_items{service=%q,status=%q} %d\n",
					serviceID, status, counts[status])
			}
		}

		return c.String(http.StatusOK, metrics)
	})
}
